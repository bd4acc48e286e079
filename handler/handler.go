package handler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/MarcusVH98/SAM2-GUI/annotate"
	"github.com/MarcusVH98/SAM2-GUI/config"
	"github.com/MarcusVH98/SAM2-GUI/ffmpeg"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 标注界面的 HTTP 接口
//
// 所有接口共享一个会话, 通过互斥锁串行执行, 每个操作完成后才处理下一个.
type Handler struct {
	mu sync.Mutex

	dataset   config.DatasetConfig
	ffmpegCfg config.FFmpegConfig
	session   *annotate.Session
	extractor *ffmpeg.Extractor
	labeler   *vision.TextDrawer
	logger    *zap.Logger

	seqName string
}

// Options Handler 依赖
type Options struct {
	Dataset   config.DatasetConfig
	FFmpeg    config.FFmpegConfig
	Session   *annotate.Session
	Extractor *ffmpeg.Extractor  // 为空时抽帧接口返回 503
	Labeler   *vision.TextDrawer // 为空时预览图不标注对象ID
	Logger    *zap.Logger
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dataset:   opts.Dataset,
		ffmpegCfg: opts.FFmpeg,
		session:   opts.Session,
		extractor: opts.Extractor,
		labeler:   opts.Labeler,
		logger:    logger,
	}
}

// Register 注册 API 路由
func (h *Handler) Register(api gin.IRouter) {
	api.GET("/videos", h.serial(h.ListVideos))
	api.GET("/sequences", h.serial(h.ListSequences))
	api.POST("/extract", h.serial(h.Extract))
	api.POST("/sequences/:name/load", h.serial(h.LoadSequence))
	api.POST("/features", h.serial(h.Features))
	api.GET("/frames/:index", h.serial(h.Frame))
	api.POST("/polarity", h.serial(h.Polarity))
	api.POST("/points", h.serial(h.AddPoint))
	api.POST("/points/clear", h.serial(h.ClearPoints))
	api.POST("/objects", h.serial(h.NewObject))
	api.POST("/reset", h.serial(h.Reset))
	api.POST("/end", h.serial(h.End))
	api.POST("/track", h.serial(h.Track))
	api.POST("/save", h.serial(h.Save))
	api.GET("/masks.zip", h.serial(h.DownloadMasks))
	api.GET("/state", h.serial(h.State))
}

// serial 串行执行
func (h *Handler) serial(fn gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.Lock()
		defer h.mu.Unlock()
		fn(c)
	}
}

// checkName 序列名或视频文件名只能是单层名称
func checkName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ListVideos 视频目录下的文件
func (h *Handler) ListVideos(c *gin.Context) {
	ok(c, "", gin.H{"videos": vision.ListDir(h.dataset.VideoRoot())})
}

// ListSequences 已抽帧的图片序列目录
func (h *Handler) ListSequences(c *gin.Context) {
	ok(c, "", gin.H{"sequences": h.sequences()})
}

func (h *Handler) sequences() []string {
	root := h.dataset.ImageRoot()
	var dirs []string
	for _, name := range vision.ListDir(root) {
		if info, err := os.Stat(filepath.Join(root, name)); err == nil && info.IsDir() {
			dirs = append(dirs, name)
		}
	}
	if dirs == nil {
		dirs = []string{}
	}
	return dirs
}

// ExtractRequest 抽帧请求, 时间单位为秒
type ExtractRequest struct {
	Video  string `json:"video" binding:"required"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	FPS    int    `json:"fps"`
	Height int    `json:"height"`
}

// Extract 从视频抽帧到 <img_root>/<视频名> 并加载该序列
func (h *Handler) Extract(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "请求参数错误", fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := checkName(req.Video); err != nil {
		h.fail(c, "视频文件名无效", err)
		return
	}
	if h.extractor == nil {
		h.fail(c, "抽帧失败", ErrExtractorUnavailable)
		return
	}

	seqName := vision.Stem(req.Video)
	fps, height := req.FPS, req.Height
	if fps <= 0 {
		fps = h.ffmpegCfg.FPS
	}
	if height <= 0 {
		height = h.ffmpegCfg.Height
	}
	res, err := h.extractor.Extract(c.Request.Context(), ffmpeg.Request{
		VideoPath: filepath.Join(h.dataset.VideoRoot(), req.Video),
		OutDir:    filepath.Join(h.dataset.ImageRoot(), seqName),
		Start:     req.Start,
		End:       req.End,
		FPS:       fps,
		Height:    height,
		Ext:       h.ffmpegCfg.Ext,
	})
	if err != nil {
		h.fail(c, "抽帧失败", err)
		return
	}

	if rel, err := filepath.Rel(h.dataset.ImageRoot(), res.OutDir); err == nil && checkName(rel) == nil {
		seqName = rel
	}
	n, err := h.session.LoadDir(res.OutDir)
	if err != nil {
		h.fail(c, "加载图片目录失败", err)
		return
	}
	h.seqName = seqName

	ok(c, annotate.LoadMessage(res.OutDir, n), gin.H{
		"sequence":   seqName,
		"num_frames": n,
		"cached":     res.Cached,
		"sequences":  h.sequences(),
		"mask_dir":   h.dataset.MaskDir(seqName),
	})
}

// LoadSequence 加载已有的图片序列
func (h *Handler) LoadSequence(c *gin.Context) {
	name := c.Param("name")
	if err := checkName(name); err != nil {
		h.fail(c, "序列名无效", err)
		return
	}
	dir := filepath.Join(h.dataset.ImageRoot(), name)
	n, err := h.session.LoadDir(dir)
	if err != nil {
		h.seqName = ""
		h.fail(c, "加载图片目录失败", err)
		return
	}
	h.seqName = name

	ok(c, annotate.LoadMessage(dir, n), gin.H{
		"sequence":   name,
		"num_frames": n,
		"mask_dir":   h.dataset.MaskDir(name),
	})
}

// Features 提取 SAM 特征
func (h *Handler) Features(c *gin.Context) {
	msg, err := h.session.ExtractFeatures(c.Request.Context())
	if err != nil {
		h.fail(c, "提取特征失败", err)
		return
	}
	ok(c, msg, nil)
}

// Frame 选择并返回某一帧
func (h *Handler) Frame(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.fail(c, "帧序号无效", fmt.Errorf("%w: %s", annotate.ErrInvalidFrameIndex, c.Param("index")))
		return
	}
	img, err := h.session.SelectFrame(index)
	if err != nil {
		h.fail(c, "读取帧失败", err)
		return
	}
	c.Header("X-Frame-Index", strconv.Itoa(h.session.FrameIndex()))
	h.png(c, img)
}

// PolarityRequest 提示点极性
type PolarityRequest struct {
	Positive bool `json:"positive"`
}

// Polarity 切换前景/背景点
func (h *Handler) Polarity(c *gin.Context) {
	var req PolarityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "请求参数错误", fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	var msg string
	if req.Positive {
		msg = h.session.SetPositive()
	} else {
		msg = h.session.SetNegative()
	}
	ok(c, msg, gin.H{"positive": req.Positive})
}

// PointRequest 原图像素坐标
type PointRequest struct {
	X *int `json:"x" binding:"required"`
	Y *int `json:"y" binding:"required"`
}

// AddPoint 添加提示点并返回叠加了 Mask 与提示点的预览图
func (h *Handler) AddPoint(c *gin.Context) {
	var req PointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "请求参数错误", fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	index, err := h.session.AddPoint(c.Request.Context(), *req.X, *req.Y)
	if err != nil {
		h.fail(c, "添加提示点失败", err)
		return
	}
	preview, err := h.session.RenderPreview(index, h.labeler)
	if err != nil {
		h.fail(c, "生成预览失败", err)
		return
	}
	c.Header("X-Object-Id", strconv.Itoa(h.session.ObjectID()))
	h.png(c, preview)
}

// ClearPoints 清除提示点
func (h *Handler) ClearPoints(c *gin.Context) {
	ok(c, h.session.ClearPoints(), nil)
}

// NewObject 新建对象
func (h *Handler) NewObject(c *gin.Context) {
	msg, err := h.session.NewObject()
	if err != nil {
		h.fail(c, "新建对象失败", err)
		return
	}
	ok(c, msg, gin.H{"object_id": h.session.ObjectID()})
}

// Reset 重置会话
func (h *Handler) Reset(c *gin.Context) {
	h.session.Reset()
	ok(c, "已重置, 请重新选择提示点", nil)
}

// End 结束会话
func (h *Handler) End(c *gin.Context) {
	h.session.End()
	h.seqName = ""
	ok(c, "会话已结束", nil)
}

// Track 在整个序列上传播
func (h *Handler) Track(c *gin.Context) {
	msg, err := h.session.RunTracker(c.Request.Context())
	if err != nil {
		h.fail(c, "跟踪失败", err)
		return
	}
	ok(c, msg, gin.H{"frames": len(h.session.TrackedMasks())})
}

// Save 将 Mask 写入 <root_dir>/<mask_name>/<序列名>
func (h *Handler) Save(c *gin.Context) {
	if h.seqName == "" {
		h.fail(c, "保存失败", annotate.ErrNoActiveSession)
		return
	}
	dir := h.dataset.MaskDir(h.seqName)
	msg, err := h.session.SaveMasks(dir)
	if err != nil {
		h.fail(c, "保存失败", err)
		return
	}
	ok(c, msg, gin.H{"mask_dir": dir})
}

// DownloadMasks 以 zip 下载所有 Mask
func (h *Handler) DownloadMasks(c *gin.Context) {
	var buf bytes.Buffer
	if _, err := h.session.ZipMasks(&buf); err != nil {
		h.fail(c, "导出失败", err)
		return
	}
	name := h.seqName
	if name == "" {
		name = "masks"
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, name))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// StateResponse 会话状态
type StateResponse struct {
	annotate.State
	Sequence string `json:"sequence"`
	MaskDir  string `json:"mask_dir"`
}

// State 当前会话状态
func (h *Handler) State(c *gin.Context) {
	resp := StateResponse{State: h.session.Snapshot(), Sequence: h.seqName}
	if h.seqName != "" {
		resp.MaskDir = h.dataset.MaskDir(h.seqName)
	}
	ok(c, "", resp)
}

func (h *Handler) png(c *gin.Context, img image.Image) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		h.fail(c, "编码图片失败", err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
