package annotate

import "errors"

var (
	// ErrInvalidDirectory 目录不存在或无法读取
	ErrInvalidDirectory = errors.New("无效的图片目录")
	// ErrInvalidFrameIndex 帧序号无效
	ErrInvalidFrameIndex = errors.New("无效的帧序号")
	// ErrNoActiveSession 尚未加载图片序列
	ErrNoActiveSession = errors.New("没有活动的会话, 请先加载图片目录")
	// ErrEmptyExport 没有可导出的 Mask
	ErrEmptyExport = errors.New("没有可导出的 Mask")
	// ErrShapeMismatch Mask 不是有效的二维图像
	ErrShapeMismatch = errors.New("Mask 尺寸无效")
	// ErrTooManyObjects 对象数量超出索引 Mask 的表示范围
	ErrTooManyObjects = errors.New("对象数量超出上限")
)
