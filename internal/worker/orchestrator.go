package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/domain"
	"github.com/sdkscan/sdkscan-go/internal/repository"
	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
)

// ScanEventBroadcaster 扫描事件广播接口，由 WebSocket 层实现
type ScanEventBroadcaster interface {
	BroadcastScanStarted(scanID, packageName string)
	BroadcastScanCompleted(scanID, packageName string, sdks []string, durationMS int64)
	BroadcastScanFailed(scanID, packageName, failureType, message string)
}

// ScanMetricsRecorder 扫描指标记录接口，由 Prometheus 层实现
type ScanMetricsRecorder interface {
	RecordScanStarted()
	RecordScanCompleted(duration time.Duration, sdks []string)
	RecordScanFailed(duration time.Duration, failureType string)
	RecordSplitPackage()
}

// Orchestrator 单次扫描的执行编排器
// 负责 载入任务 -> 读取文件摘要 -> 打开归档 -> 探测分包元数据 -> 引擎扫描 -> 落库
type Orchestrator struct {
	engine      *sdkdetect.Engine
	scanRepo    repository.ScanTaskRepository
	logger      *logrus.Logger
	scanTimeout time.Duration
	broadcaster ScanEventBroadcaster
	metrics     ScanMetricsRecorder
}

// NewOrchestrator 创建扫描编排器
func NewOrchestrator(engine *sdkdetect.Engine, scanRepo repository.ScanTaskRepository, scanTimeout time.Duration, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		engine:      engine,
		scanRepo:    scanRepo,
		logger:      logger,
		scanTimeout: scanTimeout,
	}
}

// SetEventBroadcaster 设置事件广播器
func (o *Orchestrator) SetEventBroadcaster(broadcaster ScanEventBroadcaster) {
	o.broadcaster = broadcaster
}

// SetMetrics 设置指标记录器
func (o *Orchestrator) SetMetrics(metrics ScanMetricsRecorder) {
	o.metrics = metrics
}

// RetryableError 可重试的扫描错误
// 携带重新入队所需的信息，由消费端负责重新发布消息
type RetryableError struct {
	ScanID      string
	PackagePath string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("scan %s failed (retry %d/%d): %v", e.ScanID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

func (e *RetryableError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryableError 判断错误是否为可重试的扫描错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

// ExecuteScan 执行一次完整的扫描任务
func (o *Orchestrator) ExecuteScan(ctx context.Context, scanID, packagePath string) error {
	o.logger.WithFields(logrus.Fields{
		"scan_id":      scanID,
		"package_path": packagePath,
	}).Info("Starting scan execution")

	task, err := o.scanRepo.FindByID(ctx, scanID)
	if err != nil {
		return fmt.Errorf("failed to load scan task: %w", err)
	}

	if err := o.scanRepo.MarkRunning(ctx, scanID); err != nil {
		return fmt.Errorf("failed to mark scan running: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordScanStarted()
	}
	if o.broadcaster != nil {
		o.broadcaster.BroadcastScanStarted(scanID, task.PackageName)
	}

	startTime := time.Now()

	// 流式计算摘要，避免将大包整体读入内存
	digest, size, err := fileDigest(packagePath)
	if err != nil {
		return o.failScan(ctx, task, packagePath, time.Since(startTime), fmt.Errorf("failed to read package file: %w", err))
	}
	task.SHA256 = digest
	task.SizeBytes = size

	ar, err := sdkdetect.OpenArchive(packagePath)
	if err != nil {
		return o.failScan(ctx, task, packagePath, time.Since(startTime), err)
	}
	defer ar.Close()

	o.probeSplitMetadata(ar, task)

	scanCtx := ctx
	if o.scanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, o.scanTimeout)
		defer cancel()
	}

	flags, err := o.engine.Scan(scanCtx, ar)
	duration := time.Since(startTime)
	if err != nil {
		return o.failScan(ctx, task, packagePath, duration, err)
	}

	names := flags.Names()
	task.DetectedSDKs = flags.String()
	task.SDKCount = flags.Count()
	task.DurationMS = duration.Milliseconds()

	if err := o.scanRepo.Complete(ctx, task, names); err != nil {
		return fmt.Errorf("failed to persist scan result: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordScanCompleted(duration, names)
		if task.IsSplit {
			o.metrics.RecordSplitPackage()
		}
	}
	if o.broadcaster != nil {
		o.broadcaster.BroadcastScanCompleted(scanID, task.PackageName, names, task.DurationMS)
	}

	o.logger.WithFields(logrus.Fields{
		"scan_id":   scanID,
		"package":   task.PackageName,
		"sdks":      task.DetectedSDKs,
		"sdk_count": task.SDKCount,
		"is_split":  task.IsSplit,
		"duration":  duration,
	}).Info("✅ Scan completed")

	return nil
}

// failScan 处理扫描失败：可重试则重置任务并返回 RetryableError，否则落库为失败
func (o *Orchestrator) failScan(ctx context.Context, task *domain.ScanTask, packagePath string, duration time.Duration, scanErr error) error {
	failureType := o.classifyFailure(scanErr)
	maxRetry := failureType.GetMaxRetryCount()
	canRetry := failureType.CanRetry() && task.RetryCount < maxRetry

	o.logger.WithFields(logrus.Fields{
		"scan_id":      task.ID,
		"failure_type": failureType,
		"retry_count":  task.RetryCount,
		"max_retry":    maxRetry,
		"can_retry":    canRetry,
		"error":        scanErr.Error(),
	}).Warn("Scan execution failed")

	if canRetry {
		retryCount := task.RetryCount + 1
		if n, err := o.scanRepo.IncrementRetryCount(ctx, task.ID); err != nil {
			o.logger.WithError(err).WithField("scan_id", task.ID).Error("Failed to increment retry count")
		} else {
			retryCount = n
		}

		if err := o.scanRepo.ResetForRetry(ctx, task.ID); err != nil {
			o.logger.WithError(err).WithField("scan_id", task.ID).Error("Failed to reset scan for retry, marking as failed")
			canRetry = false
		} else {
			o.logger.WithFields(logrus.Fields{
				"scan_id":     task.ID,
				"retry_count": retryCount,
				"max_retry":   maxRetry,
			}).Info("🔄 Scan reset for retry")

			return &RetryableError{
				ScanID:      task.ID,
				PackagePath: packagePath,
				OriginalErr: scanErr,
				RetryCount:  retryCount,
				MaxRetry:    maxRetry,
			}
		}
	}

	if err := o.scanRepo.UpdateFailure(ctx, task.ID, failureType, scanErr.Error()); err != nil {
		o.logger.WithError(err).WithField("scan_id", task.ID).Error("Failed to persist scan failure")
	}

	if o.metrics != nil {
		o.metrics.RecordScanFailed(duration, string(failureType))
	}
	if o.broadcaster != nil {
		o.broadcaster.BroadcastScanFailed(task.ID, task.PackageName, string(failureType), scanErr.Error())
	}

	o.logger.WithFields(logrus.Fields{
		"scan_id":      task.ID,
		"package":      task.PackageName,
		"failure_type": failureType,
	}).Error("❌ Scan failed permanently")

	return scanErr
}

// classifyFailure 根据错误链判定失败类型
func (o *Orchestrator) classifyFailure(err error) domain.FailureType {
	if err == nil {
		return domain.FailureTypeNone
	}

	switch {
	case errors.Is(err, sdkdetect.ErrBadArchive):
		return domain.FailureTypeBadArchive
	case errors.Is(err, sdkdetect.ErrBadManifest):
		return domain.FailureTypeBadManifest
	case errors.Is(err, sdkdetect.ErrRecursionLimit):
		return domain.FailureTypeRecursionLimit
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTypeTimeout
	case errors.Is(err, context.Canceled):
		// 停机中断的扫描按超时处理，可在下次启动时重试
		return domain.FailureTypeTimeout
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return domain.FailureTypeIO
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return domain.FailureTypeIO
	}

	return domain.FailureTypeUnknown
}

// probeSplitMetadata 探测分包元数据并写入任务字段
// 清单损坏时这里不报错，交由扫描阶段统一判定失败类型
func (o *Orchestrator) probeSplitMetadata(ar *sdkdetect.Archive, task *domain.ScanTask) {
	if !ar.Has(sdkdetect.ManifestEntryName) {
		return
	}
	task.IsSplit = true

	data, err := ar.ReadEntry(sdkdetect.ManifestEntryName)
	if err != nil {
		return
	}
	manifest, err := sdkdetect.ParseManifest(data)
	if err != nil {
		return
	}

	task.SplitPackageName = manifest.PackageName
	task.SplitCount = len(manifest.SplitAPKs)
}

// fileDigest 流式计算文件的 SHA-256 与大小
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
