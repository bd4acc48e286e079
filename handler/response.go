package handler

import (
	"errors"
	"net/http"

	"github.com/MarcusVH98/SAM2-GUI/annotate"
	"github.com/MarcusVH98/SAM2-GUI/ffmpeg"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrInvalidName 名称为空或包含路径穿越
	ErrInvalidName = errors.New("名称无效")
	// ErrBadRequest 请求体无法解析
	ErrBadRequest = errors.New("请求参数错误")
	// ErrExtractorUnavailable 没有可用的 ffmpeg
	ErrExtractorUnavailable = errors.New("ffmpeg 不可用")
)

// Response 通用响应
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// statusOf 错误对应的 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, annotate.ErrInvalidFrameIndex),
		errors.Is(err, ffmpeg.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, annotate.ErrInvalidDirectory):
		return http.StatusNotFound
	case errors.Is(err, annotate.ErrNoActiveSession),
		errors.Is(err, annotate.ErrEmptyExport),
		errors.Is(err, annotate.ErrTooManyObjects):
		return http.StatusConflict
	case errors.Is(err, ffmpeg.ErrNoFramesExtracted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ffmpeg.ErrExtractFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrExtractorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail 返回错误, 所有错误都以提示信息的形式展示给用户
func (h *Handler) fail(c *gin.Context, message string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}
