package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vision "github.com/MarcusVH98/SAM2-GUI"
	"github.com/MarcusVH98/SAM2-GUI/annotate"
	"github.com/MarcusVH98/SAM2-GUI/cache"
	"github.com/MarcusVH98/SAM2-GUI/config"
	"github.com/MarcusVH98/SAM2-GUI/ffmpeg"
	"github.com/MarcusVH98/SAM2-GUI/handler"
	"github.com/MarcusVH98/SAM2-GUI/sam2"
	"github.com/MarcusVH98/SAM2-GUI/utils"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 命令行参数, 指定时覆盖配置文件
var (
	configFlag   string
	portFlag     int
	rootDirFlag  string
	vidNameFlag  string
	imgNameFlag  string
	maskNameFlag string
	encoderFlag  string
	decoderFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "sam2-gui",
	Short: "SAM2 video mask annotation server",
	Long: `sam2-gui starts a local web server for annotating video frames with SAM2.
Click points on a frame, propagate the masks over the sequence and save them
as single channel PNGs under <root_dir>/<mask_name>/<sequence>.

Examples:
  sam2-gui --root_dir ./data
  sam2-gui --port 9000 --encoder ./sam2_weights/vision_encoder.onnx`,
	RunE: run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configFlag, "config", "config.yaml", "Path to the YAML config file")
	f.IntVar(&portFlag, "port", 8890, "Port to listen on")
	f.StringVar(&rootDirFlag, "root_dir", ".", "Dataset root directory")
	f.StringVar(&vidNameFlag, "vid_name", "videos", "Video subdirectory name")
	f.StringVar(&imgNameFlag, "img_name", "images", "Image subdirectory name")
	f.StringVar(&maskNameFlag, "mask_name", "masks", "Mask subdirectory name")
	f.StringVar(&encoderFlag, "encoder", "", "SAM2 image encoder ONNX model")
	f.StringVar(&decoderFlag, "decoder", "", "SAM2 prompt decoder ONNX model")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags 将显式指定的命令行参数写入配置
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Server.Port = portFlag
	}
	if f.Changed("root_dir") {
		cfg.Dataset.RootDir = rootDirFlag
	}
	if f.Changed("vid_name") {
		cfg.Dataset.VidName = vidNameFlag
	}
	if f.Changed("img_name") {
		cfg.Dataset.ImgName = imgNameFlag
	}
	if f.Changed("mask_name") {
		cfg.Dataset.MaskName = maskNameFlag
	}
	if f.Changed("encoder") {
		cfg.SAM2.EncoderPath = encoderFlag
	}
	if f.Changed("decoder") {
		cfg.SAM2.DecoderPath = decoderFlag
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.New(configFlag)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger, err := utils.NewLogger(cfg.Server.Mode)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer utils.Sync(logger)

	logger.Info("starting sam2-gui",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("root_dir", cfg.Dataset.RootDir))

	libPath := cfg.SAM2.OnnxRuntimeLib
	if libPath == "" {
		libPath = vision.DefaultLibraryPath()
	}
	predictor, err := sam2.NewVideoPredictor(sam2.Config{
		OnnxRuntimeLibPath: libPath,
		EncodeModelPath:    cfg.SAM2.EncoderPath,
		DecodeModelPath:    cfg.SAM2.DecoderPath,
		UseCuda:            cfg.SAM2.UseCuda,
		NumThreads:         cfg.SAM2.NumThreads,
		MaxCachedFrames:    cfg.SAM2.MaxCachedFrames,
	})
	if err != nil {
		logger.Error("failed to load sam2 model", zap.Error(err))
		return err
	}
	defer predictor.Destroy()

	var frameCache *cache.FrameCache
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		frameCache, err = cache.NewFrameCache(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		cancel()
		if err != nil {
			logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		} else {
			logger.Info("redis connected successfully")
			defer frameCache.Close()
		}
	}

	extractor, err := ffmpeg.NewExtractor(cfg.FFmpeg.Binary, frameCache, logger)
	if err != nil {
		logger.Warn("ffmpeg not found, frame extraction disabled", zap.Error(err))
	}

	var labeler *vision.TextDrawer
	if cfg.Server.FontPath != "" {
		if labeler, err = vision.NewTextDrawer(cfg.Server.FontPath); err != nil {
			logger.Warn("failed to load font, object labels disabled", zap.Error(err))
		} else {
			defer labeler.Close()
		}
	}

	session := annotate.New(annotate.NewSAM2Model(predictor), annotate.ExportOptions{
		Suffix: cfg.Export.Suffix,
		Invert: cfg.Export.Invert,
	}, logger)
	defer session.End()

	h := handler.New(handler.Options{
		Dataset:   cfg.Dataset,
		FFmpeg:    cfg.FFmpeg,
		Session:   session,
		Extractor: extractor,
		Labeler:   labeler,
		Logger:    logger,
	})

	gin.SetMode(ginMode(cfg.Server.Mode))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, h, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 优雅退出
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("server starting", zap.Int("port", cfg.Server.Port))
	fmt.Printf("\n  SAM2 GUI: http://localhost:%d\n\n", cfg.Server.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

// ginMode 配置中的 mode 不是 gin 支持的值时使用 release
func ginMode(mode string) string {
	switch mode {
	case gin.DebugMode, gin.TestMode, gin.ReleaseMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}
