package annotate

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"slices"

	"github.com/MarcusVH98/SAM2-GUI/sam2"
	"github.com/up-zero/gotool/imageutil"
)

// PointView 提示点
type PointView struct {
	X        int  `json:"x"`
	Y        int  `json:"y"`
	Positive bool `json:"positive"`
}

// State 会话状态快照
type State struct {
	ID           string          `json:"id"`
	ImageDir     string          `json:"image_dir"`
	NumFrames    int             `json:"num_frames"`
	FrameIndex   int             `json:"frame_index"`
	ObjectID     int             `json:"object_id"`
	Positive     bool            `json:"positive"`
	Points       []PointView     `json:"points"`
	Objects      []int           `json:"objects"`
	Scores       map[int]float32 `json:"scores"`
	TrackedMasks int             `json:"tracked_masks"`
	ModelReady   bool            `json:"model_ready"`
}

// Snapshot 返回当前状态
func (s *Session) Snapshot() State {
	points := make([]PointView, len(s.points))
	for i, p := range s.points {
		points[i] = PointView{X: int(p.X), Y: int(p.Y), Positive: p.Label.Positive()}
	}
	objects := make([]int, 0, len(s.curMasks))
	scores := make(map[int]float32, len(s.curScores))
	for id := range s.curMasks {
		objects = append(objects, id)
		scores[id] = s.curScores[id]
	}
	slices.Sort(objects)

	return State{
		ID:           s.ID,
		ImageDir:     s.imgDir,
		NumFrames:    len(s.imgPaths),
		FrameIndex:   s.frameIndex,
		ObjectID:     s.objID,
		Positive:     s.curLabel.Positive(),
		Points:       points,
		Objects:      objects,
		Scores:       scores,
		TrackedMasks: len(s.trackedMasks),
		ModelReady:   s.tracker != nil,
	}
}

// Active 是否已加载图片序列
func (s *Session) Active() bool {
	return s.imgDir != ""
}

// ImageDir 当前序列目录
func (s *Session) ImageDir() string {
	return s.imgDir
}

// FramePaths 当前序列的图片路径
func (s *Session) FramePaths() []string {
	return slices.Clone(s.imgPaths)
}

// FrameIndex 当前帧序号
func (s *Session) FrameIndex() int {
	return s.frameIndex
}

// ObjectID 当前对象ID
func (s *Session) ObjectID() int {
	return s.objID
}

// Points 当前对象累计的提示点
func (s *Session) Points() []sam2.Point {
	return slices.Clone(s.points)
}

// Labels 与 Points 一一对应的标签
func (s *Session) Labels() []sam2.Label {
	labels := make([]sam2.Label, len(s.points))
	for i, p := range s.points {
		labels[i] = p.Label
	}
	return labels
}

// ObjectMask 对象在最近一次提示后的 Mask 与分数
func (s *Session) ObjectMask(objID int) (*image.Gray, float32, bool) {
	m, ok := s.curMasks[objID]
	return m, s.curScores[objID], ok
}

// TrackedMasks 传播生成的逐帧二值 Mask
func (s *Session) TrackedMasks() []*image.Gray {
	return slices.Clone(s.trackedMasks)
}

// CurrentImage 当前帧图片, 重置后按需重新读取
func (s *Session) CurrentImage() (image.Image, error) {
	if s.image != nil {
		return s.image, nil
	}
	if len(s.imgPaths) == 0 {
		return nil, ErrNoActiveSession
	}
	img, err := imageutil.Open(s.imgPaths[s.frameIndex])
	if err != nil {
		return nil, fmt.Errorf("读取第 %d 帧失败: %w", s.frameIndex, err)
	}
	s.image = img
	return img, nil
}
