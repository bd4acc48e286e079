package main

import (
	"net/http"

	"github.com/MarcusVH98/SAM2-GUI/assets"
	"github.com/MarcusVH98/SAM2-GUI/config"
	"github.com/MarcusVH98/SAM2-GUI/handler"
	"github.com/MarcusVH98/SAM2-GUI/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// newRouter 创建路由
func newRouter(cfg *config.Config, h *handler.Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS())

	// 前端页面
	r.StaticFS("/ui", http.FS(assets.Static()))
	r.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", http.FS(assets.Static()))
	})

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// API路由
	h.Register(r.Group("/api/v1"))
	return r
}
