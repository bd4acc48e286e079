package annotate

import (
	"image"

	vision "github.com/MarcusVH98/SAM2-GUI"
)

// RenderPreview 将索引 Mask 着色后叠加到当前帧, 并绘制当前对象的提示点
//
// # Params:
//
//	index: AddPoint 返回的索引 Mask
//	labeler: (可选) 用于标注对象ID
func (s *Session) RenderPreview(index *image.Gray, labeler *vision.TextDrawer) (*image.RGBA, error) {
	img, err := s.CurrentImage()
	if err != nil {
		return nil, err
	}

	palette := vision.Palette(vision.MaxIndex(index) + 1)
	composed := vision.Compose(img, vision.Colorize(index, palette), vision.DefaultBlendFactor)

	points := make([]image.Point, len(s.points))
	positive := make([]bool, len(s.points))
	for i, p := range s.points {
		points[i] = image.Pt(int(p.X), int(p.Y))
		positive[i] = p.Label.Positive()
	}
	out := vision.DrawPoints(composed, points, positive)

	if labeler != nil {
		labeler.LabelObjects(out, index)
	}
	return out, nil
}
