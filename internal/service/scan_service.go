package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sdkscan/sdkscan-go/internal/domain"
	"github.com/sdkscan/sdkscan-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrDuplicateScan 去重窗口内已存在同一软件包的扫描任务
var ErrDuplicateScan = errors.New("duplicate scan")

// ErrScanRunning 任务正在执行中，不能被重新入队
var ErrScanRunning = errors.New("scan is running")

// ScanStats 扫描统计信息
type ScanStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	BySDK    map[string]int64 `json:"by_sdk"`
}

// ScanService 扫描任务服务接口
type ScanService interface {
	// 创建扫描任务（sha256可为空，为空时按包名去重）
	CreateScan(ctx context.Context, packageName string, packagePath string, sha256 string, sizeBytes int64) (*domain.ScanTask, error)

	// 获取扫描任务
	GetScan(ctx context.Context, scanID string) (*domain.ScanTask, error)

	// 获取扫描任务列表（分页+状态过滤+包名搜索）
	ListScans(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.ScanTask, int64, error)

	// 删除扫描任务
	DeleteScan(ctx context.Context, scanID string) error

	// 获取统计信息（状态聚合 + SDK检出聚合）
	Stats(ctx context.Context) (*ScanStats, error)

	// 重置可重试的失败任务，返回被重置的任务供调用方重新入队
	RequeueFailed(ctx context.Context) ([]*domain.ScanTask, error)

	// 重置单个任务（运维操作，不受重试额度限制），返回任务供调用方重新入队
	RequeueScan(ctx context.Context, scanID string) (*domain.ScanTask, error)
}

type scanService struct {
	scanRepo     repository.ScanTaskRepository
	dedupeWindow time.Duration
	logger       *logrus.Logger
}

// NewScanService 创建扫描服务实例
func NewScanService(scanRepo repository.ScanTaskRepository, dedupeWindow time.Duration, logger *logrus.Logger) ScanService {
	return &scanService{
		scanRepo:     scanRepo,
		dedupeWindow: dedupeWindow,
		logger:       logger,
	}
}

func (s *scanService) CreateScan(ctx context.Context, packageName string, packagePath string, sha256 string, sizeBytes int64) (*domain.ScanTask, error) {
	packageName = strings.TrimSpace(packageName)
	if packageName == "" {
		return nil, fmt.Errorf("软件包名称不能为空")
	}
	if !hasScannableExtension(packageName) {
		return nil, fmt.Errorf("不支持的软件包类型: %s", packageName)
	}

	// 🔧 防重复：文件监控器对大文件复制会触发多次事件，上传接口也可能被重复提交。
	// 有校验和按校验和去重，否则按包名去重。
	var hasRecent bool
	var err error
	if sha256 != "" {
		hasRecent, err = s.scanRepo.HasRecentScanForChecksum(ctx, sha256, s.dedupeWindow)
	} else {
		hasRecent, err = s.scanRepo.HasRecentScanForPackage(ctx, packageName, s.dedupeWindow)
	}
	if err != nil {
		s.logger.WithError(err).WithField("package_name", packageName).Warn("Failed to check recent scans, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("package_name", packageName).Warn("⚠️ Duplicate scan blocked: recent scan exists for same package")
		return nil, fmt.Errorf("%w: 去重窗口内已存在该软件包的扫描任务", ErrDuplicateScan)
	}

	task := &domain.ScanTask{
		ID:          uuid.New().String(),
		PackageName: packageName,
		PackagePath: packagePath,
		SHA256:      sha256,
		SizeBytes:   sizeBytes,
		Status:      domain.ScanStatusQueued,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.scanRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create scan task")
		return nil, fmt.Errorf("创建扫描任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id":      task.ID,
		"package_name": task.PackageName,
	}).Info("Scan task created successfully")
	return task, nil
}

func (s *scanService) GetScan(ctx context.Context, scanID string) (*domain.ScanTask, error) {
	task, err := s.scanRepo.FindByID(ctx, scanID)
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to get scan task")
		return nil, fmt.Errorf("获取扫描任务失败: %w", err)
	}
	return task, nil
}

func (s *scanService) ListScans(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.ScanTask, int64, error) {
	tasks, total, err := s.scanRepo.ListWithFilter(ctx, page, pageSize, status, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scan tasks")
		return nil, 0, fmt.Errorf("获取扫描任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *scanService) DeleteScan(ctx context.Context, scanID string) error {
	if err := s.scanRepo.Delete(ctx, scanID); err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to delete scan task")
		return fmt.Errorf("删除扫描任务失败: %w", err)
	}

	s.logger.WithField("scan_id", scanID).Info("Scan task deleted successfully")
	return nil
}

func (s *scanService) Stats(ctx context.Context) (*ScanStats, error) {
	byStatus, total, err := s.scanRepo.GetStatusCounts(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get status counts")
		return nil, fmt.Errorf("获取状态统计失败: %w", err)
	}

	bySDK, err := s.scanRepo.CountBySDK(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get SDK counts")
		return nil, fmt.Errorf("获取SDK统计失败: %w", err)
	}

	return &ScanStats{
		Total:    total,
		ByStatus: byStatus,
		BySDK:    bySDK,
	}, nil
}

func (s *scanService) RequeueFailed(ctx context.Context) ([]*domain.ScanTask, error) {
	failed, err := s.scanRepo.ListFailed(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list failed scan tasks")
		return nil, fmt.Errorf("获取失败任务列表失败: %w", err)
	}

	requeued := make([]*domain.ScanTask, 0, len(failed))
	for _, task := range failed {
		canRetry := task.FailureType.CanRetry() && task.RetryCount < task.FailureType.GetMaxRetryCount()
		if !canRetry {
			s.logger.WithFields(logrus.Fields{
				"scan_id":      task.ID,
				"failure_type": task.FailureType,
				"retry_count":  task.RetryCount,
			}).Debug("Skipping task: retry not allowed")
			continue
		}

		if _, err := s.scanRepo.IncrementRetryCount(ctx, task.ID); err != nil {
			s.logger.WithError(err).WithField("scan_id", task.ID).Warn("Failed to increment retry count, skipping")
			continue
		}
		if err := s.scanRepo.ResetForRetry(ctx, task.ID); err != nil {
			s.logger.WithError(err).WithField("scan_id", task.ID).Warn("Failed to reset task for retry, skipping")
			continue
		}
		requeued = append(requeued, task)
	}

	s.logger.WithFields(logrus.Fields{
		"failed_total": len(failed),
		"requeued":     len(requeued),
	}).Info("🔄 Failed scan tasks requeued")
	return requeued, nil
}

func (s *scanService) RequeueScan(ctx context.Context, scanID string) (*domain.ScanTask, error) {
	task, err := s.scanRepo.FindByID(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("获取扫描任务失败: %w", err)
	}

	if task.Status == domain.ScanStatusRunning {
		return nil, fmt.Errorf("%w: 扫描进行中，不能重新入队", ErrScanRunning)
	}

	if err := s.scanRepo.ResetForRetry(ctx, scanID); err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to reset scan task")
		return nil, fmt.Errorf("重置扫描任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id":      scanID,
		"package_name": task.PackageName,
	}).Info("🔄 Scan task requeued manually")
	return task, nil
}

// hasScannableExtension 判断文件名是否为受支持的软件包类型
func hasScannableExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".apk", ".xapk", ".zip":
		return true
	}
	return false
}
