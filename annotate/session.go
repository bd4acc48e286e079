package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"slices"
	"time"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/MarcusVH98/SAM2-GUI/metrics"
	"github.com/MarcusVH98/SAM2-GUI/sam2"
	"github.com/google/uuid"
	"github.com/up-zero/gotool/imageutil"
	"go.uber.org/zap"
)

// MaxObjects 索引 Mask 为 uint8, 像素值为 对象ID+1
const MaxObjects = 255

// Session 标注会话, 对应界面上的一次标注流程
//
// 保存当前帧、累计的提示点、对象ID以及每个对象的 Mask.
// Session 不是并发安全的, 调用方需要保证同一时间只有一个操作.
type Session struct {
	ID string

	model   Model
	tracker Tracker
	logger  *zap.Logger
	export  ExportOptions

	imgDir   string
	imgPaths []string

	frameIndex int
	image      image.Image

	points   []sam2.Point
	curLabel sam2.Label
	objID    int

	curMasks  map[int]*image.Gray
	curScores map[int]float32

	trackedMasks []*image.Gray
}

// New 创建会话
func New(model Model, export ExportOptions, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		ID:       uuid.NewString(),
		model:    model,
		logger:   logger,
		export:   export,
		curLabel: sam2.LabelForeground,
	}
	s.clearImage()
	return s
}

// clearImage 清除当前图片以及所有 Mask
func (s *Session) clearImage() {
	s.image = nil
	s.frameIndex = 0
	s.objID = 0
	s.points = nil
	s.curMasks = make(map[int]*image.Gray)
	s.curScores = make(map[int]float32)
	s.trackedMasks = nil
	metrics.ActiveObjects.Set(0)
}

// closeTracker 释放模型推理状态
func (s *Session) closeTracker() {
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
}

// LoadDir 加载图片序列目录, 重置所有状态并返回帧数
func (s *Session) LoadDir(dir string) (int, error) {
	s.closeTracker()
	s.clearImage()
	s.imgDir = ""
	s.imgPaths = nil

	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s 不是目录", ErrInvalidDirectory, dir)
	}
	paths, err := vision.ListImages(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}

	s.imgDir = dir
	s.imgPaths = paths
	s.logger.Info("image directory loaded",
		zap.String("session", s.ID),
		zap.String("dir", dir),
		zap.Int("frames", len(paths)))

	if len(paths) > 0 {
		if _, err := s.SelectFrame(0); err != nil {
			return len(paths), err
		}
	}
	return len(paths), nil
}

// LoadMessage 加载完成后的提示
func LoadMessage(dir string, n int) string {
	return fmt.Sprintf("已从 %s 加载 %d 张图片, 请选择一帧运行 SAM", dir, n)
}

// ExtractFeatures 为当前序列重新创建模型推理状态
func (s *Session) ExtractFeatures(ctx context.Context) (string, error) {
	if s.imgDir == "" {
		return "", ErrNoActiveSession
	}
	s.closeTracker()
	if err := s.ensureTracker(ctx); err != nil {
		return "", err
	}
	s.tracker.Reset()
	return "SAM 特征已提取, 点击图片添加提示点, 完成后提交开始跟踪", nil
}

// ensureTracker 按需创建推理状态
func (s *Session) ensureTracker(ctx context.Context) error {
	if s.imgDir == "" {
		return ErrNoActiveSession
	}
	if s.tracker != nil {
		return nil
	}

	start := time.Now()
	tracker, err := s.model.InitState(ctx, s.imgDir)
	if err != nil {
		return fmt.Errorf("初始化模型状态失败: %w", err)
	}
	metrics.InferenceDuration.WithLabelValues("init_state").Observe(time.Since(start).Seconds())
	s.tracker = tracker
	return nil
}

// SelectFrame 选择当前帧, 越界的序号会被截断到有效范围, 同时清除未提交的提示点
func (s *Session) SelectFrame(i int) (image.Image, error) {
	if s.imgDir == "" {
		return nil, ErrNoActiveSession
	}
	if len(s.imgPaths) == 0 {
		return nil, fmt.Errorf("%w: 序列中没有图片", ErrInvalidFrameIndex)
	}

	clamped := min(max(i, 0), len(s.imgPaths)-1)
	if clamped != i {
		s.logger.Warn("frame index clamped",
			zap.Int("requested", i),
			zap.Int("frame", clamped),
			zap.Int("frames", len(s.imgPaths)))
	}

	img, err := imageutil.Open(s.imgPaths[clamped])
	if err != nil {
		return nil, fmt.Errorf("读取第 %d 帧失败: %w", clamped, err)
	}

	s.ClearPoints()
	s.frameIndex = clamped
	s.image = img
	return img, nil
}

// SetPositive 之后的点击为前景点
func (s *Session) SetPositive() string {
	s.curLabel = sam2.LabelForeground
	return "正在选择前景点, 提交 Mask 开始跟踪"
}

// SetNegative 之后的点击为背景点
func (s *Session) SetNegative() string {
	s.curLabel = sam2.LabelBackground
	return "正在选择背景点, 提交 Mask 开始跟踪"
}

// ClearPoints 清除当前对象的提示点
func (s *Session) ClearPoints() string {
	s.points = nil
	return "已清除提示点, 请重新选择点以更新 Mask"
}

// NewObject 开始标注新的对象
func (s *Session) NewObject() (string, error) {
	if s.objID+1 >= MaxObjects {
		return "", fmt.Errorf("%w: 最多 %d 个对象", ErrTooManyObjects, MaxObjects)
	}
	s.objID++
	s.ClearPoints()
	return fmt.Sprintf("正在创建新的 Mask, 索引 %d", s.objID), nil
}

// AddPoint 在当前帧为当前对象添加提示点, 返回该帧的索引 Mask
//
// # Params:
//
//	x, y: 原图像素坐标
func (s *Session) AddPoint(ctx context.Context, x, y int) (*image.Gray, error) {
	if err := s.ensureTracker(ctx); err != nil {
		return nil, err
	}

	s.points = append(s.points, sam2.Point{X: float32(x), Y: float32(y), Label: s.curLabel})
	polarity := "negative"
	if s.curLabel.Positive() {
		polarity = "positive"
	}
	metrics.PointsAddedTotal.WithLabelValues(polarity).Inc()

	start := time.Now()
	out, err := s.tracker.AddPoints(ctx, s.frameIndex, s.objID, s.points)
	if err != nil {
		// 推理失败时撤销本次点击
		s.points = s.points[:len(s.points)-1]
		return nil, fmt.Errorf("获取 SAM Mask 失败: %w", err)
	}
	metrics.InferenceDuration.WithLabelValues("add_point").Observe(time.Since(start).Seconds())

	for id, m := range out.Masks {
		s.curMasks[id] = m
		s.curScores[id] = out.Scores[id]
	}
	metrics.ActiveObjects.Set(float64(len(s.curMasks)))

	s.logger.Debug("point added",
		zap.Int("frame", s.frameIndex),
		zap.Int("object", s.objID),
		zap.Int("x", x), zap.Int("y", y),
		zap.String("polarity", polarity))

	return MakeIndexMask(out.Masks, out.Bounds), nil
}

// MakeIndexMask 合并多个对象的 Mask, 像素值为 对象ID+1, 对象ID大的覆盖小的
func MakeIndexMask(masks map[int]*image.Gray, bounds image.Rectangle) *image.Gray {
	ids := make([]int, 0, len(masks))
	for id, m := range masks {
		ids = append(ids, id)
		if bounds.Empty() {
			bounds = m.Bounds()
		}
	}
	slices.Sort(ids)

	index := image.NewGray(bounds)
	for _, id := range ids {
		m := masks[id]
		v := uint8(min(id+1, MaxObjects))
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if m.GrayAt(x, y).Y != 0 {
					index.Pix[index.PixOffset(x, y)] = v
				}
			}
		}
	}
	return index
}

// Reset 清除所有提示点与 Mask, 并让模型丢弃推理状态, 已加载的序列保留
func (s *Session) Reset() {
	s.clearImage()
	if s.tracker != nil {
		s.tracker.Reset()
	}
	s.logger.Info("session reset", zap.String("session", s.ID))
}

// End 结束会话, 释放模型状态并清空序列
func (s *Session) End() {
	s.closeTracker()
	s.clearImage()
	s.imgDir = ""
	s.imgPaths = nil
}

// RunTracker 从第 0 帧开始传播, 为每一帧生成一个合并后的二值 Mask
func (s *Session) RunTracker(ctx context.Context) (string, error) {
	if err := s.ensureTracker(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	byFrame := make(map[int]*image.Gray, len(s.imgPaths))
	for fm, err := range s.tracker.Propagate(ctx, 0) {
		if err != nil {
			return "", fmt.Errorf("传播失败: %w", err)
		}
		m, err := s.unionMask(fm)
		if err != nil {
			return "", err
		}
		byFrame[fm.FrameIndex] = m
	}
	metrics.InferenceDuration.WithLabelValues("propagate").Observe(time.Since(start).Seconds())

	masks := make([]*image.Gray, len(s.imgPaths))
	for i := range masks {
		if m, ok := byFrame[i]; ok {
			masks[i] = m
			continue
		}
		bounds, err := frameBounds(s.imgPaths[i])
		if err != nil {
			return "", err
		}
		masks[i] = image.NewGray(bounds)
	}
	s.trackedMasks = masks
	metrics.PropagatedFramesTotal.Add(float64(len(masks)))

	s.logger.Info("tracking finished",
		zap.String("session", s.ID),
		zap.Int("frames", len(masks)),
		zap.Duration("cost", time.Since(start)))

	return fmt.Sprintf("已为 %d 帧生成二值 Mask, 点击保存写入磁盘", len(masks)), nil
}

// unionMask 对同一帧所有对象的 Mask 取并集, 没有对象时返回全背景
func (s *Session) unionMask(fm sam2.FrameMasks) (*image.Gray, error) {
	bounds := fm.Bounds
	if bounds.Empty() {
		for _, m := range fm.Masks {
			bounds = m.Bounds()
			break
		}
	}
	if bounds.Empty() {
		if fm.FrameIndex < 0 || fm.FrameIndex >= len(s.imgPaths) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidFrameIndex, fm.FrameIndex)
		}
		b, err := frameBounds(s.imgPaths[fm.FrameIndex])
		if err != nil {
			return nil, err
		}
		bounds = b
	}

	out := image.NewGray(bounds)
	for _, m := range fm.Masks {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				if m.GrayAt(x, y).Y != 0 {
					out.Pix[out.PixOffset(x, y)] = 255
				}
			}
		}
	}
	return out, nil
}

// SaveMasks 将传播结果写入目录
func (s *Session) SaveMasks(outDir string) (string, error) {
	n, err := WriteMasks(outDir, s.imgPaths, s.trackedMasks, s.export)
	if err != nil {
		if errors.Is(err, ErrEmptyExport) {
			s.logger.Warn("nothing to export", zap.String("session", s.ID), zap.Error(err))
		}
		return "", err
	}
	s.logger.Info("masks saved", zap.String("dir", outDir), zap.Int("count", n))
	return fmt.Sprintf("已保存 %d 个 Mask 到 %s", n, outDir), nil
}

// ZipMasks 将传播结果打包为 zip, 文件名与 SaveMasks 一致
func (s *Session) ZipMasks(w io.Writer) (int, error) {
	return WriteZip(w, s.imgPaths, s.trackedMasks, s.export)
}

// frameBounds 只解析图片头获取尺寸
func frameBounds(path string) (image.Rectangle, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("读取图片失败: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("解析图片失败(%s): %w", path, err)
	}
	return image.Rect(0, 0, cfg.Width, cfg.Height), nil
}
