package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/queue"
	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
	"github.com/sdkscan/sdkscan-go/internal/service"
)

// UploadHandler 软件包上传与即时扫描处理器
type UploadHandler struct {
	scanService service.ScanService
	producer    ScanPublisher
	engine      *sdkdetect.Engine
	logger      *logrus.Logger
	inboundPath string
	maxUploadMB int
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(scanService service.ScanService, producer ScanPublisher, engine *sdkdetect.Engine, logger *logrus.Logger, inboundPath string, maxUploadMB int) *UploadHandler {
	return &UploadHandler{
		scanService: scanService,
		producer:    producer,
		engine:      engine,
		logger:      logger,
		inboundPath: inboundPath,
		maxUploadMB: maxUploadMB,
	}
}

// allowedExt 上传文件的扩展名白名单
func allowedExt(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".apk", ".xapk", ".zip":
		return true
	}
	return false
}

// UploadPackage 上传软件包并创建异步扫描任务
// POST /api/upload
func (h *UploadHandler) UploadPackage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请选择要上传的文件"})
		return
	}

	if !allowedExt(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 .apk / .xapk / .zip 文件"})
		return
	}

	maxBytes := int64(h.maxUploadMB) * 1024 * 1024
	if maxBytes > 0 && file.Size > maxBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("文件超过大小限制 %dMB", h.maxUploadMB),
		})
		return
	}

	if err := os.MkdirAll(h.inboundPath, 0755); err != nil {
		h.logger.Errorf("❌ Failed to create inbound directory: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建存储目录失败"})
		return
	}

	filename := filepath.Base(file.Filename)
	destPath := filepath.Join(h.inboundPath, filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "同名文件已存在"})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Errorf("❌ Failed to open uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		h.logger.Errorf("❌ Failed to create destination file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存文件失败"})
		return
	}

	// 落盘和摘要一次完成，避免保存后再读一遍文件
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dst, hasher), src)
	dst.Close()
	if err != nil {
		os.Remove(destPath)
		h.logger.Errorf("❌ Failed to write uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存文件失败"})
		return
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	task, err := h.scanService.CreateScan(c.Request.Context(), filename, destPath, checksum, written)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateScan) {
			os.Remove(destPath)
			c.JSON(http.StatusConflict, gin.H{"error": "去重窗口内已存在该软件包的扫描任务"})
			return
		}
		os.Remove(destPath)
		h.logger.Errorf("❌ Failed to create scan for upload %s: %v", filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建扫描任务失败"})
		return
	}

	msg := &queue.ScanMessage{
		ScanID:      task.ID,
		PackageName: task.PackageName,
		PackagePath: task.PackagePath,
	}
	if err := h.producer.PublishScan(c.Request.Context(), msg); err != nil {
		// 任务已落库为排队状态，发布失败可由启动补发或手动重新入队恢复
		h.logger.Errorf("❌ Failed to publish scan message for upload %s: %v", task.ID, err)
	}

	h.logger.Infof("✅ Package uploaded: %s (%d bytes), scan %s queued", filename, written, task.ID)

	c.JSON(http.StatusCreated, gin.H{
		"scan_id":      task.ID,
		"package_name": task.PackageName,
		"size_bytes":   written,
		"sha256":       checksum,
		"status":       task.Status,
	})
}

// ScanNow 同步扫描上传的软件包，不落库不入队
// POST /api/scan
func (h *UploadHandler) ScanNow(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请选择要扫描的文件"})
		return
	}

	if !allowedExt(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 .apk / .xapk / .zip 文件"})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Errorf("❌ Failed to open uploaded file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "adhoc-scan-*.apk")
	if err != nil {
		h.logger.Errorf("❌ Failed to create temp file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建临时文件失败"})
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		h.logger.Errorf("❌ Failed to write temp file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存临时文件失败"})
		return
	}
	tmp.Close()

	start := time.Now()
	flags, err := h.engine.ScanFile(c.Request.Context(), tmpPath)
	duration := time.Since(start)
	if err != nil {
		switch {
		case errors.Is(err, sdkdetect.ErrBadArchive):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "文件不是有效的 ZIP 包"})
		case errors.Is(err, sdkdetect.ErrBadManifest):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "分包清单解析失败"})
		case errors.Is(err, sdkdetect.ErrRecursionLimit):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "分包嵌套层级超过限制"})
		default:
			h.logger.Errorf("❌ Ad-hoc scan failed for %s: %v", file.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "扫描失败"})
		}
		return
	}

	h.logger.Infof("✅ Ad-hoc scan completed: %s, %d SDKs in %dms", file.Filename, flags.Count(), duration.Milliseconds())

	c.JSON(http.StatusOK, gin.H{
		"package_name": file.Filename,
		"sdks":         flags.Names(),
		"sdk_count":    flags.Count(),
		"duration_ms":  duration.Milliseconds(),
	})
}
