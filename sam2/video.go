package sam2

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"iter"
	"os"
	"slices"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/up-zero/gotool/imageutil"
)

var (
	// ErrStateClosed 推理状态已关闭
	ErrStateClosed = errors.New("推理状态已关闭")
	// ErrNoFrames 序列目录中没有图片
	ErrNoFrames = errors.New("序列目录中没有图片")
	// ErrFrameOutOfRange 帧序号超出范围
	ErrFrameOutOfRange = errors.New("帧序号超出范围")
	// ErrSequenceConsumed 同一个传播序列只能遍历一次
	ErrSequenceConsumed = errors.New("传播序列已被遍历, 请重新调用 Propagate")
)

// frameDecoder 单帧的 Mask 解码器, ImageContext 实现了该接口
type frameDecoder interface {
	DecodeRaw(points []Point) (*Result, error)
	Destroy()
}

// frameEncoder 单帧特征提取, Engine 实现了该接口
type frameEncoder interface {
	encodeFrame(img image.Image) (frameDecoder, error)
}

// FrameMasks 单帧上每个对象的 Mask
type FrameMasks struct {
	FrameIndex int
	Bounds     image.Rectangle
	Masks      map[int]*image.Gray // 对象ID -> Mask (0/255)
	Scores     map[int]float32     // 对象ID -> IoU 分数, 由上一帧延续且丢失的对象没有分数
}

// VideoPredictor 在图像 Encoder/Decoder 之上提供按帧提示与序列传播
type VideoPredictor struct {
	engine    *Engine
	encoder   frameEncoder
	maxCached int
}

// NewVideoPredictor 初始化视频推理器
func NewVideoPredictor(cfg Config) (*VideoPredictor, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return &VideoPredictor{
		engine:    engine,
		encoder:   engine,
		maxCached: cfg.MaxCachedFrames,
	}, nil
}

// Destroy 释放引擎
func (p *VideoPredictor) Destroy() error {
	if p.engine == nil {
		return nil
	}
	return p.engine.Destroy()
}

// InitState 为一个图片序列目录创建推理状态
func (p *VideoPredictor) InitState(ctx context.Context, sequenceDir string) (*InferenceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := vision.ListImages(sequenceDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFrames, sequenceDir)
	}

	maxCached := p.maxCached
	if maxCached <= 0 {
		maxCached = 8
	}
	return &InferenceState{
		encoder:    p.encoder,
		maxCached:  maxCached,
		framePaths: paths,
		decoders:   make(map[int]frameDecoder),
		prompts:    make(map[int]map[int][]Point),
	}, nil
}

// InferenceState 一个图片序列的推理状态
//
// 不支持并发调用
type InferenceState struct {
	encoder   frameEncoder
	maxCached int

	framePaths []string
	decoders   map[int]frameDecoder
	order      []int // 特征缓存的写入顺序, 用于淘汰

	prompts map[int]map[int][]Point // 帧序号 -> 对象ID -> 提示点
	closed  bool
}

// NumFrames 序列帧数
func (s *InferenceState) NumFrames() int {
	return len(s.framePaths)
}

// FramePaths 序列中的图片路径
func (s *InferenceState) FramePaths() []string {
	return slices.Clone(s.framePaths)
}

// Reset 清除所有提示与特征缓存, 序列保持不变
func (s *InferenceState) Reset() {
	for _, d := range s.decoders {
		d.Destroy()
	}
	s.decoders = make(map[int]frameDecoder)
	s.order = nil
	s.prompts = make(map[int]map[int][]Point)
}

// Close 释放推理状态, 之后的调用都会返回 ErrStateClosed
func (s *InferenceState) Close() {
	s.Reset()
	s.closed = true
}

// AddPoints 设置某个对象在某一帧上的提示点并解码
//
// 新的提示点会替换该对象在该帧上已有的提示. 返回该帧上所有已提示对象的 Mask
//
// # Params:
//
//	frameIdx: 帧序号
//	objID: 对象ID
//	points: 该对象在该帧上的全部提示点
func (s *InferenceState) AddPoints(ctx context.Context, frameIdx, objID int, points []Point) (*FrameMasks, error) {
	if s.closed {
		return nil, ErrStateClosed
	}
	if frameIdx < 0 || frameIdx >= len(s.framePaths) {
		return nil, fmt.Errorf("%w: %d", ErrFrameOutOfRange, frameIdx)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("对象 %d 的提示点不能为空", objID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.prompts[frameIdx] == nil {
		s.prompts[frameIdx] = make(map[int][]Point)
	}
	s.prompts[frameIdx][objID] = slices.Clone(points)

	dec, err := s.decoder(frameIdx)
	if err != nil {
		return nil, err
	}

	out := &FrameMasks{
		FrameIndex: frameIdx,
		Masks:      make(map[int]*image.Gray),
		Scores:     make(map[int]float32),
	}
	for _, id := range sortedKeys(s.prompts[frameIdx]) {
		res, err := dec.DecodeRaw(s.prompts[frameIdx][id])
		if err != nil {
			return nil, fmt.Errorf("对象 %d 解码失败: %w", id, err)
		}
		out.Masks[id] = res.Gray()
		out.Scores[id] = res.Score
		out.Bounds = out.Masks[id].Bounds()
	}
	return out, nil
}

// ObjectIDs 所有帧上出现过提示的对象ID, 升序
func (s *InferenceState) ObjectIDs() []int {
	seen := make(map[int]struct{})
	for _, objs := range s.prompts {
		for id := range objs {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Propagate 从 start 帧开始按帧序传播所有对象的 Mask
//
// 返回的序列是惰性的, 每次迭代推理一帧. 带提示的帧直接用提示解码,
// 其余帧以上一帧的 Mask 生成框和点作为提示. 同一个序列只能遍历一次.
func (s *InferenceState) Propagate(ctx context.Context, start int) iter.Seq2[FrameMasks, error] {
	consumed := false
	return func(yield func(FrameMasks, error) bool) {
		if consumed {
			yield(FrameMasks{}, ErrSequenceConsumed)
			return
		}
		consumed = true

		if s.closed {
			yield(FrameMasks{}, ErrStateClosed)
			return
		}
		if start < 0 || start >= len(s.framePaths) {
			yield(FrameMasks{}, fmt.Errorf("%w: %d", ErrFrameOutOfRange, start))
			return
		}

		objIDs := s.ObjectIDs()
		prev := make(map[int]*image.Gray)
		for f := start; f < len(s.framePaths); f++ {
			if err := ctx.Err(); err != nil {
				yield(FrameMasks{}, err)
				return
			}
			fm, err := s.trackFrame(f, objIDs, prev)
			if err != nil {
				yield(FrameMasks{}, err)
				return
			}
			prev = fm.Masks
			if !yield(fm, nil) {
				return
			}
		}
	}
}

// trackFrame 推理单帧上所有对象
func (s *InferenceState) trackFrame(frameIdx int, objIDs []int, prev map[int]*image.Gray) (FrameMasks, error) {
	fm := FrameMasks{
		FrameIndex: frameIdx,
		Masks:      make(map[int]*image.Gray, len(objIDs)),
		Scores:     make(map[int]float32, len(objIDs)),
	}

	var lost []int
	for _, id := range objIDs {
		points := s.prompts[frameIdx][id]
		if len(points) == 0 {
			var ok bool
			if points, ok = promptsFromMask(prev[id]); !ok {
				lost = append(lost, id)
				continue
			}
		}

		dec, err := s.decoder(frameIdx)
		if err != nil {
			return fm, err
		}
		res, err := dec.DecodeRaw(points)
		if err != nil {
			return fm, fmt.Errorf("第 %d 帧对象 %d 解码失败: %w", frameIdx, id, err)
		}
		mask := res.Gray()
		fm.Bounds = mask.Bounds()
		// 对象离开画面, 之后的帧不再延续
		if isEmptyMask(mask) {
			lost = append(lost, id)
			continue
		}
		fm.Masks[id] = mask
		fm.Scores[id] = res.Score
	}

	if fm.Bounds.Empty() {
		bounds, err := s.frameBounds(frameIdx)
		if err != nil {
			return fm, err
		}
		fm.Bounds = bounds
	}
	for _, id := range lost {
		fm.Masks[id] = image.NewGray(fm.Bounds)
	}
	return fm, nil
}

// decoder 返回帧特征, 未缓存时读取图片并提取
func (s *InferenceState) decoder(frameIdx int) (frameDecoder, error) {
	if d, ok := s.decoders[frameIdx]; ok {
		return d, nil
	}

	img, err := imageutil.Open(s.framePaths[frameIdx])
	if err != nil {
		return nil, fmt.Errorf("读取第 %d 帧失败: %w", frameIdx, err)
	}
	d, err := s.encoder.encodeFrame(img)
	if err != nil {
		return nil, fmt.Errorf("第 %d 帧特征提取失败: %w", frameIdx, err)
	}

	s.decoders[frameIdx] = d
	s.order = append(s.order, frameIdx)
	for len(s.order) > s.maxCached {
		oldest := s.order[0]
		s.order = s.order[1:]
		s.decoders[oldest].Destroy()
		delete(s.decoders, oldest)
	}
	return d, nil
}

// frameBounds 只解析图片头获取尺寸
func (s *InferenceState) frameBounds(frameIdx int) (image.Rectangle, error) {
	f, err := os.Open(s.framePaths[frameIdx])
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("读取第 %d 帧失败: %w", frameIdx, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("解析第 %d 帧失败: %w", frameIdx, err)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
