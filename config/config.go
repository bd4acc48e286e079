package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	SAM2    SAM2Config    `mapstructure:"sam2"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Export  ExportConfig  `mapstructure:"export"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	FontPath        string        `mapstructure:"font_path"`
}

// DatasetConfig 数据集目录结构 <root_dir>/<vid_name|img_name|mask_name>/<序列名>
type DatasetConfig struct {
	RootDir  string `mapstructure:"root_dir"`
	VidName  string `mapstructure:"vid_name"`
	ImgName  string `mapstructure:"img_name"`
	MaskName string `mapstructure:"mask_name"`
}

type SAM2Config struct {
	EncoderPath     string `mapstructure:"encoder"`
	DecoderPath     string `mapstructure:"decoder"`
	OnnxRuntimeLib  string `mapstructure:"onnxruntime_lib"`
	UseCuda         bool   `mapstructure:"use_cuda"`
	NumThreads      int    `mapstructure:"num_threads"`
	MaxCachedFrames int    `mapstructure:"max_cached_frames"`
}

type FFmpegConfig struct {
	Binary string `mapstructure:"binary"`
	FPS    int    `mapstructure:"fps"`
	Height int    `mapstructure:"height"`
	Ext    string `mapstructure:"ext"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ExportConfig struct {
	Suffix string `mapstructure:"suffix"`
	Invert bool   `mapstructure:"invert"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// VideoRoot 视频目录
func (d DatasetConfig) VideoRoot() string {
	return filepath.Join(d.RootDir, d.VidName)
}

// ImageRoot 图片序列根目录
func (d DatasetConfig) ImageRoot() string {
	return filepath.Join(d.RootDir, d.ImgName)
}

// MaskDir 序列的 Mask 输出目录
func (d DatasetConfig) MaskDir(seqName string) string {
	return filepath.Join(d.RootDir, d.MaskName, seqName)
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 加载配置, 配置文件不存在时使用默认配置, 其他错误直接返回
func New(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := Load(configPath)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8890)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.font_path", "")

	v.SetDefault("dataset.root_dir", ".")
	v.SetDefault("dataset.vid_name", "videos")
	v.SetDefault("dataset.img_name", "images")
	v.SetDefault("dataset.mask_name", "masks")

	v.SetDefault("sam2.encoder", "sam2_weights/vision_encoder.onnx")
	v.SetDefault("sam2.decoder", "sam2_weights/prompt_encoder_mask_decoder.onnx")
	v.SetDefault("sam2.onnxruntime_lib", "")
	v.SetDefault("sam2.use_cuda", false)
	v.SetDefault("sam2.num_threads", 0)
	v.SetDefault("sam2.max_cached_frames", 8)

	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.fps", 30)
	v.SetDefault("ffmpeg.height", 540)
	v.SetDefault("ffmpeg.ext", "png")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 7*24*time.Hour)

	v.SetDefault("export.suffix", ".mask.png")
	v.SetDefault("export.invert", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Default 默认配置, 与 setDefaults 保持一致
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8890,
			Mode:            "debug",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Dataset: DatasetConfig{
			RootDir:  ".",
			VidName:  "videos",
			ImgName:  "images",
			MaskName: "masks",
		},
		SAM2: SAM2Config{
			EncoderPath:     "sam2_weights/vision_encoder.onnx",
			DecoderPath:     "sam2_weights/prompt_encoder_mask_decoder.onnx",
			MaxCachedFrames: 8,
		},
		FFmpeg: FFmpegConfig{
			Binary: "ffmpeg",
			FPS:    30,
			Height: 540,
			Ext:    "png",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  7 * 24 * time.Hour,
		},
		Export: ExportConfig{
			Suffix: ".mask.png",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
