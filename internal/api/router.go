package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/api/handlers"
	"github.com/sdkscan/sdkscan-go/internal/config"
	"github.com/sdkscan/sdkscan-go/internal/middleware"
)

func SetupRouter(cfg *config.Config, logger *logrus.Logger, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics, scanHandler *handlers.ScanHandler, uploadHandler *handlers.UploadHandler, detectorHandler *handlers.DetectorHandler, eventsHandler *handlers.EventsHandler) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	// 运行时内存监控端点
	r.GET("/memory", memMonitor.MetricsEndpoint())
	r.POST("/debug/gc", middleware.TokenAuth(cfg.Server.Token), middleware.ForceGC())

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics", promMetrics.Handler())
	}

	// API v1
	v1 := r.Group("/api")
	{
		// 扫描任务
		v1.GET("/scans", scanHandler.ListScans)
		v1.GET("/scans/export", scanHandler.ExportScans) // 导出必须在 :id 之前
		v1.GET("/scans/:id", scanHandler.GetScan)

		// 系统统计
		v1.GET("/stats", scanHandler.GetStats)

		// 检测规则
		v1.GET("/detectors", detectorHandler.ListDetectors)

		// 软件包上传（异步扫描）与即时扫描（同步、不落库）
		v1.POST("/upload", uploadHandler.UploadPackage)
		v1.POST("/scan", uploadHandler.ScanNow)

		// 扫描事件实时推送
		v1.GET("/ws/events", eventsHandler.HandleWebSocket)

		// 管理操作需要令牌
		admin := v1.Group("", middleware.TokenAuth(cfg.Server.Token))
		{
			admin.DELETE("/scans/:id", scanHandler.DeleteScan)
			admin.POST("/scans/:id/requeue", scanHandler.RequeueScan)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
