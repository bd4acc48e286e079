package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/MarcusVH98/SAM2-GUI/cache"
	"github.com/MarcusVH98/SAM2-GUI/metrics"
	"go.uber.org/zap"
)

const (
	DefaultFPS    = 30
	DefaultHeight = 540
	DefaultExt    = "png"
)

var (
	// ErrExtractFailed ffmpeg 执行失败
	ErrExtractFailed = errors.New("ffmpeg 抽帧失败")
	// ErrNoFramesExtracted ffmpeg 正常退出但没有生成图片
	ErrNoFramesExtracted = errors.New("没有从视频中抽取到图片")
	// ErrInvalidRequest 抽帧参数无效
	ErrInvalidRequest = errors.New("抽帧参数无效")
)

// Request 抽帧参数, 时间单位为秒
type Request struct {
	VideoPath string
	OutDir    string
	Start     int
	End       int
	FPS       int
	Height    int
	Ext       string
}

// Result 抽帧结果
type Result struct {
	OutDir     string
	FramePaths []string
	FrameCount int
	Cached     bool
}

// Extractor 调用 ffmpeg 将视频片段抽取为图片序列
type Extractor struct {
	binary string
	cache  *cache.FrameCache
	logger *zap.Logger
}

// NewExtractor 查找 ffmpeg 可执行文件
//
// # Params:
//
//	binary: ffmpeg 路径或名称, 为空时使用 "ffmpeg"
//	frameCache: (可选) 抽帧结果缓存
func NewExtractor(binary string, frameCache *cache.FrameCache, logger *zap.Logger) (*Extractor, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("未找到 ffmpeg(%s): %w", binary, err)
	}
	return &Extractor{binary: path, cache: frameCache, logger: logger}, nil
}

// FormatTimestamp 将秒数格式化为 HH:MM:SS
func FormatTimestamp(seconds int) string {
	seconds = max(seconds, 0)
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// withDefaults 补全缺省参数
func (r Request) withDefaults() Request {
	if r.FPS <= 0 {
		r.FPS = DefaultFPS
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	r.Ext = strings.TrimPrefix(r.Ext, ".")
	if r.Ext == "" {
		r.Ext = DefaultExt
	}
	return r
}

// Validate 检查参数
func (r Request) Validate() error {
	if r.VideoPath == "" || r.OutDir == "" {
		return fmt.Errorf("%w: 视频路径与输出目录不能为空", ErrInvalidRequest)
	}
	if r.Start < 0 || r.End < 0 {
		return fmt.Errorf("%w: 时间不能为负数", ErrInvalidRequest)
	}
	if r.End != 0 && r.End <= r.Start {
		return fmt.Errorf("%w: 结束时间必须大于开始时间", ErrInvalidRequest)
	}
	if !vision.IsImage("frame." + strings.TrimPrefix(r.Ext, ".")) {
		return fmt.Errorf("%w: 不支持的图片格式 %q", ErrInvalidRequest, r.Ext)
	}
	return nil
}

// Params 用于缓存键的参数字符串, 不包含路径
func (r Request) Params() string {
	return fmt.Sprintf("%s-%s-%d-%d-%s", FormatTimestamp(r.Start), FormatTimestamp(r.End), r.FPS, r.Height, r.Ext)
}

// BuildArgs ffmpeg 参数
//
// ffmpeg -ss HH:MM:SS -to HH:MM:SS -i <video> -vf scale=-1:<height>,fps=<fps> -y <out>/%05d.<ext>
//
// End 为 0 时不传 -to, 抽取到视频结尾. -y 避免 ffmpeg 在已有文件时等待确认
func BuildArgs(r Request) []string {
	args := []string{"-ss", FormatTimestamp(r.Start)}
	if r.End > 0 {
		args = append(args, "-to", FormatTimestamp(r.End))
	}
	return append(args,
		"-i", r.VideoPath,
		"-vf", fmt.Sprintf("scale=-1:%d,fps=%d", r.Height, r.FPS),
		"-y",
		filepath.Join(r.OutDir, "%05d."+r.Ext),
	)
}

// Extract 抽帧, 缓存命中且目录中图片仍然存在时跳过 ffmpeg
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.VideoPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	params := req.Params()
	if rec, ok := e.cache.Lookup(ctx, req.VideoPath, params); ok {
		frames, err := listFrames(rec.OutDir, req.Ext)
		if err == nil && len(frames) > 0 && len(frames) == rec.FrameCount {
			e.logger.Info("frame extraction cache hit",
				zap.String("video", req.VideoPath),
				zap.String("dir", rec.OutDir),
				zap.Int("count", len(frames)))
			return &Result{OutDir: rec.OutDir, FramePaths: frames, FrameCount: len(frames), Cached: true}, nil
		}
		_ = e.cache.Invalidate(ctx, req.VideoPath, params)
	}

	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}
	// 上一次抽帧留下的图片不属于本次结果
	if err := removeFrames(req.OutDir, req.Ext); err != nil {
		return nil, fmt.Errorf("清理旧图片失败: %w", err)
	}

	args := BuildArgs(req)
	e.logger.Info("extracting frames", zap.String("cmd", e.binary+" "+strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, e.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %v, output: %s", ErrExtractFailed, err, strings.TrimSpace(string(output)))
	}

	frames, err := listFrames(req.OutDir, req.Ext)
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFramesExtracted, req.VideoPath)
	}
	metrics.FramesExtractedTotal.Add(float64(len(frames)))

	if err := e.cache.Store(ctx, req.VideoPath, params, cache.Extraction{OutDir: req.OutDir, FrameCount: len(frames)}); err != nil {
		e.logger.Warn("frame cache store failed", zap.Error(err))
	}

	e.logger.Info("frames extracted",
		zap.String("dir", req.OutDir),
		zap.Int("count", len(frames)))

	return &Result{OutDir: req.OutDir, FramePaths: frames, FrameCount: len(frames)}, nil
}

// listFrames 按文件名排序的输出图片, 只包含 ffmpeg 按序号命名的文件
func listFrames(dir, ext string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*."+ext))
	if err != nil {
		return nil, err
	}
	frames := paths[:0]
	for _, p := range paths {
		if isFrameName(filepath.Base(p), ext) {
			frames = append(frames, p)
		}
	}
	return frames, nil
}

// removeFrames 删除目录中已有的序号图片, 其他文件(例如导出的 Mask)保留
func removeFrames(dir, ext string) error {
	frames, err := listFrames(dir, ext)
	if err != nil {
		return err
	}
	for _, p := range frames {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// isFrameName 00001.png 形式的文件名
func isFrameName(name, ext string) bool {
	stem, ok := strings.CutSuffix(name, "."+ext)
	if !ok || stem == "" {
		return false
	}
	for _, c := range stem {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
