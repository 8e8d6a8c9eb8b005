package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdkscan/sdkscan-go/internal/queue"
	"github.com/sdkscan/sdkscan-go/internal/service"
	"github.com/sdkscan/sdkscan-go/internal/utils"
)

// maxExportLimit 单次导出的最大任务数
const maxExportLimit = 10000

// exportPageSize 导出时分页拉取的批大小
const exportPageSize = 500

// ScanPublisher 发布扫描消息到任务队列，由 queue.Producer 实现
type ScanPublisher interface {
	PublishScan(ctx context.Context, msg *queue.ScanMessage) error
}

// ScanHandler 扫描任务 HTTP 处理器
type ScanHandler struct {
	scanService service.ScanService
	producer    ScanPublisher
	logger      *logrus.Logger
}

// NewScanHandler 创建扫描任务处理器
func NewScanHandler(scanService service.ScanService, producer ScanPublisher, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		producer:    producer,
		logger:      logger,
	}
}

// ListScans 分页查询扫描任务
// GET /api/scans?page=1&limit=20&status=failed&search=com.example
func (h *ScanHandler) ListScans(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	status := c.Query("status")
	search := c.Query("search")

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	tasks, total, err := h.scanService.ListScans(c.Request.Context(), page, limit, status, search)
	if err != nil {
		h.logger.Errorf("❌ Failed to list scans: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询扫描任务失败"})
		return
	}

	pages := total / int64(limit)
	if total%int64(limit) > 0 {
		pages++
	}

	c.JSON(http.StatusOK, gin.H{
		"scans": tasks,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": pages,
		},
	})
}

// GetScan 查询单个扫描任务详情
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	scanID := c.Param("id")

	task, err := h.scanService.GetScan(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "扫描任务不存在"})
			return
		}
		h.logger.Errorf("❌ Failed to get scan %s: %v", scanID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询扫描任务失败"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// DeleteScan 删除扫描任务及其检测结果
// DELETE /api/scans/:id
func (h *ScanHandler) DeleteScan(c *gin.Context) {
	scanID := c.Param("id")

	if err := h.scanService.DeleteScan(c.Request.Context(), scanID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "扫描任务不存在"})
			return
		}
		h.logger.Errorf("❌ Failed to delete scan %s: %v", scanID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除扫描任务失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "扫描任务已删除",
	})
}

// RequeueScan 手动把任务重置回队列（运维操作，不受重试额度限制）
// POST /api/scans/:id/requeue
func (h *ScanHandler) RequeueScan(c *gin.Context) {
	scanID := c.Param("id")

	task, err := h.scanService.RequeueScan(c.Request.Context(), scanID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "扫描任务不存在"})
		case errors.Is(err, service.ErrScanRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "扫描进行中，不能重新入队"})
		default:
			h.logger.Errorf("❌ Failed to requeue scan %s: %v", scanID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "重新入队失败"})
		}
		return
	}

	msg := &queue.ScanMessage{
		ScanID:      task.ID,
		PackageName: task.PackageName,
		PackagePath: task.PackagePath,
	}
	if err := h.producer.PublishScan(c.Request.Context(), msg); err != nil {
		// 任务已重置为排队状态，消息发布失败也能在下次启动时补发
		h.logger.Errorf("❌ Failed to publish requeue message for %s: %v", scanID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "消息发布失败，任务已重置为排队状态，服务重启后会自动补发",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "扫描任务已重新入队",
		"scan_id": task.ID,
	})
}

// GetStats 扫描任务统计
// GET /api/stats
func (h *ScanHandler) GetStats(c *gin.Context) {
	stats, err := h.scanService.Stats(c.Request.Context())
	if err != nil {
		h.logger.Errorf("❌ Failed to get scan stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询统计信息失败"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ExportScans 以 JSONL 格式流式导出扫描任务
// GET /api/scans/export?status=completed
func (h *ScanHandler) ExportScans(c *gin.Context) {
	status := c.Query("status")

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename=scans.jsonl")

	// 分页拉取并逐行写出，避免把全部任务加载进内存
	writer := utils.NewJSONLWriter(c.Writer)
	page := 1
	for writer.LinesWritten() < maxExportLimit {
		tasks, _, err := h.scanService.ListScans(c.Request.Context(), page, exportPageSize, status, "")
		if err != nil {
			h.logger.Errorf("❌ Failed to export scans at page %d: %v", page, err)
			return
		}
		if len(tasks) == 0 {
			break
		}

		for _, task := range tasks {
			if writer.LinesWritten() >= maxExportLimit {
				break
			}
			if err := writer.WriteLine(task); err != nil {
				h.logger.Warnf("⚠️ Export stream interrupted: %v", err)
				return
			}
		}
		page++
	}

	if err := writer.Flush(); err != nil {
		h.logger.Warnf("⚠️ Failed to flush export stream: %v", err)
		return
	}

	h.logger.Infof("✅ Exported %d scan tasks", writer.LinesWritten())
}
