package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 创建日志, release 模式输出 JSON, 其余模式为带颜色的开发格式
func NewLogger(mode string) (*zap.Logger, error) {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return config.Build()
}

// Sync 刷新日志缓冲
func Sync(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
}
