package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sort"

	"github.com/up-zero/gotool/imageutil"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// PointRadius 提示点的绘制半径
const PointRadius = 10

var (
	positiveColor = color.RGBA{G: 255, A: 255} // 绿色前景点
	negativeColor = color.RGBA{R: 255, A: 255} // 红色背景点
)

// DrawPoints 在图片上绘制提示点
//
// # Params:
//
//	img: 原图
//	points: 点坐标
//	positive: 与 points 一一对应, true 为前景点
func DrawPoints(img image.Image, points []image.Point, positive []bool) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, img.Bounds(), img, img.Bounds().Min, draw.Src)

	for i, p := range points {
		c := negativeColor
		if i < len(positive) && positive[i] {
			c = positiveColor
		}
		imageutil.DrawFilledCircle(dst, p, PointRadius, c)
	}
	return dst
}

// TextDrawer 文本绘制工具
type TextDrawer struct {
	font     *opentype.Font
	face     font.Face
	fontSize float64
}

// NewTextDrawer 创建文本绘制工具
//
// # Params:
//
//	fontPath: 字体路径
func NewTextDrawer(fontPath string) (*TextDrawer, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("打开字体文件失败：%w", err)
	}

	ttFont, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("解析字体文件失败：%w", err)
	}

	d := &TextDrawer{font: ttFont}
	if err := d.SetSize(16); err != nil {
		return nil, err
	}
	return d, nil
}

// SetSize 调整字体大小, 尺寸未变化时不重建 Face
func (d *TextDrawer) SetSize(fontSize float64) error {
	if d.face != nil && d.fontSize == fontSize {
		return nil
	}

	nf, err := opentype.NewFace(d.font, &opentype.FaceOptions{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return err
	}

	if d.face != nil {
		d.face.Close()
	}
	d.face = nf
	d.fontSize = fontSize
	return nil
}

// DrawText 以 (x, y) 为基线起点绘制文本
func (d *TextDrawer) DrawText(img draw.Image, text string, x, y int, c color.Color) {
	fd := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: d.face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	fd.DrawString(text)
}

// LabelObjects 在每个对象的质心附近标注对象ID
//
// # Params:
//
//	img: 被绘制的图像
//	index: 索引 Mask, 像素值为 对象ID+1
func (d *TextDrawer) LabelObjects(img draw.Image, index *image.Gray) {
	for _, c := range Centroids(index) {
		d.DrawText(img, fmt.Sprintf("#%d", c.ObjectID), c.Point.X, c.Point.Y, color.White)
	}
}

// Close 释放资源
func (d *TextDrawer) Close() {
	if d.face != nil {
		d.face.Close()
		d.face = nil
	}
}

// Centroid 对象质心
type Centroid struct {
	ObjectID int
	Point    image.Point
}

// Centroids 计算索引 Mask 中每个对象的质心, 按对象ID升序
func Centroids(index *image.Gray) []Centroid {
	type acc struct{ sx, sy, n int }
	sums := make(map[int]*acc)

	bounds := index.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := int(index.GrayAt(x, y).Y)
			if v == 0 {
				continue
			}
			a, ok := sums[v]
			if !ok {
				a = &acc{}
				sums[v] = a
			}
			a.sx += x
			a.sy += y
			a.n++
		}
	}

	out := make([]Centroid, 0, len(sums))
	for v, a := range sums {
		out = append(out, Centroid{
			ObjectID: v - 1,
			Point:    image.Pt(a.sx/a.n, a.sy/a.n),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}
