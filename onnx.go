package vision

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxConfig ONNX Runtime 环境与会话选项
type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

var (
	envErr  error
	envOnce sync.Once
)

// New 初始化 ONNX 环境并创建会话选项
//
// 动态库在进程内只加载一次, 后续调用复用同一个环境
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	envOnce.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", envErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("创建 SessionOptions 失败: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return err
		}
	}

	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	}
	cfg.SessionOptions = options

	return nil
}

// NewSession 按输入输出名称创建动态会话
//
// # Params:
//
//	modelPath: onnx 模型路径
//	inputs: 输入节点名称
//	outputs: 输出节点名称
func (cfg *OnnxConfig) NewSession(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	if cfg.SessionOptions == nil {
		return nil, fmt.Errorf("SessionOptions 未初始化, 请先调用 New")
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, cfg.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败(%s): %w", modelPath, err)
	}
	return session, nil
}

// Destroy 释放会话选项, 已创建的会话不受影响
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
func DefaultLibraryPath() string {
	baseDir := "./lib/"
	libName := "onnxruntime"

	if runtime.GOOS == "windows" {
		return baseDir + libName + ".dll"
	}

	var ext string
	switch runtime.GOOS {
	case "darwin":
		ext = "dylib"
	case "linux":
		ext = "so"
	default:
		return baseDir + libName + "_amd64.so"
	}

	// ./lib/onnxruntime_amd64.so, ./lib/onnxruntime_arm64.dylib ...
	return fmt.Sprintf("%s%s_%s.%s", baseDir, libName, runtime.GOARCH, ext)
}
