package annotate

import (
	"context"
	"iter"

	"github.com/MarcusVH98/SAM2-GUI/sam2"
)

// Model 可提示的视频分割模型
type Model interface {
	// InitState 为图片序列目录创建推理状态
	InitState(ctx context.Context, sequenceDir string) (Tracker, error)
}

// Tracker 单个图片序列的推理状态
type Tracker interface {
	Reset()
	Close()
	AddPoints(ctx context.Context, frameIdx, objID int, points []sam2.Point) (*sam2.FrameMasks, error)
	Propagate(ctx context.Context, start int) iter.Seq2[sam2.FrameMasks, error]
}

// SAM2Model 基于 ONNX 的 SAM2 视频推理
type SAM2Model struct {
	predictor *sam2.VideoPredictor
}

// NewSAM2Model 包装 sam2.VideoPredictor
func NewSAM2Model(p *sam2.VideoPredictor) *SAM2Model {
	return &SAM2Model{predictor: p}
}

// InitState 实现 Model
func (m *SAM2Model) InitState(ctx context.Context, sequenceDir string) (Tracker, error) {
	state, err := m.predictor.InitState(ctx, sequenceDir)
	if err != nil {
		return nil, err
	}
	return state, nil
}
