package repository

import (
	"context"
	"time"

	"github.com/sdkscan/sdkscan-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ScanTaskRepository interface {
	Create(ctx context.Context, task *domain.ScanTask) error
	FindByID(ctx context.Context, id string) (*domain.ScanTask, error)
	// 分页列表，支持状态过滤和包名模糊搜索
	ListWithFilter(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.ScanTask, int64, error)
	Delete(ctx context.Context, id string) error
	// 标记任务进入执行
	MarkRunning(ctx context.Context, id string) error
	// 写入成功结果并替换检出明细（事务）
	Complete(ctx context.Context, task *domain.ScanTask, sdks []string) error
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 重试相关
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	// 检查是否存在最近创建的相同校验和任务（防止重复入队）
	HasRecentScanForChecksum(ctx context.Context, sha256 string, within time.Duration) (bool, error)
	// 检查是否存在最近创建的同名任务（上传入口的轻量去重）
	HasRecentScanForPackage(ctx context.Context, packageName string, within time.Duration) (bool, error)
	// 各状态任务数量统计
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 每个SDK的累计检出次数
	CountBySDK(ctx context.Context) (map[string]int64, error)
	// 全部失败任务（requeue工具用）
	ListFailed(ctx context.Context) ([]*domain.ScanTask, error)
	// 全部排队任务（启动时补发队列消息）
	ListQueued(ctx context.Context) ([]*domain.ScanTask, error)
	// 将遗留的running任务重置回queued（进程重启后孤儿恢复）
	ResetStale(ctx context.Context) (int64, error)
}

type scanTaskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewScanTaskRepository(db *gorm.DB, logger *logrus.Logger) ScanTaskRepository {
	return &scanTaskRepo{
		db:     db,
		logger: logger,
	}
}

func (r *scanTaskRepo) Create(ctx context.Context, task *domain.ScanTask) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *scanTaskRepo) FindByID(ctx context.Context, id string) (*domain.ScanTask, error) {
	var task domain.ScanTask
	err := r.db.WithContext(ctx).
		Preload("Findings").
		First(&task, "id = ?", id).Error

	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *scanTaskRepo) ListWithFilter(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.ScanTask, int64, error) {
	var tasks []*domain.ScanTask
	var total int64

	buildQuery := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&domain.ScanTask{})
		if statusFilter != "" {
			q = q.Where("status = ?", statusFilter)
		}
		if search != "" {
			q = q.Where("package_name LIKE ?", "%"+search+"%")
		}
		return q
	}

	if err := buildQuery().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := buildQuery().
		Preload("Findings").
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *scanTaskRepo) Delete(ctx context.Context, id string) error {
	// 先删明细再删主表，事务内完成
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&domain.ScanFinding{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.ScanTask{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *scanTaskRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.ScanStatusRunning,
			"started_at": &now,
		}).Error
}

// Complete 写入成功结果：更新主表字段并以新检出明细整体替换旧明细
func (r *scanTaskRepo) Complete(ctx context.Context, task *domain.ScanTask, sdks []string) error {
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":             domain.ScanStatusCompleted,
			"failure_type":       "",
			"error_message":      "",
			"detected_sdks":      task.DetectedSDKs,
			"sdk_count":          len(sdks),
			"sha256":             task.SHA256,
			"size_bytes":         task.SizeBytes,
			"is_split":           task.IsSplit,
			"split_package_name": task.SplitPackageName,
			"split_count":        task.SplitCount,
			"duration_ms":        task.DurationMS,
			"completed_at":       &now,
		}
		if err := tx.Model(&domain.ScanTask{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Where("task_id = ?", task.ID).Delete(&domain.ScanFinding{}).Error; err != nil {
			return err
		}
		if len(sdks) == 0 {
			return nil
		}

		findings := make([]domain.ScanFinding, 0, len(sdks))
		for _, sdk := range sdks {
			findings = append(findings, domain.ScanFinding{
				TaskID:    task.ID,
				SDK:       sdk,
				CreatedAt: now,
			})
		}
		return tx.Create(&findings).Error
	})

	if err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to persist scan result")
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"sdk_count": len(sdks),
	}).Info("✅ Scan result persisted")
	return nil
}

// UpdateFailure 更新任务失败信息（包含失败类型和错误消息）
// 同时将任务状态设置为 failed
func (r *scanTaskRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.ScanStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"task_id":      id,
			"failure_type": failureType,
		}).Error("Failed to update task failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":          id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
	}).Warn("❌ Scan task marked as failed")

	return nil
}

// IncrementRetryCount 增加重试次数并返回新的计数
func (r *scanTaskRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))

	if result.Error != nil {
		return 0, result.Error
	}

	var task domain.ScanTask
	if err := r.db.WithContext(ctx).Select("retry_count").First(&task, "id = ?", id).Error; err != nil {
		return 0, err
	}
	return task.RetryCount, nil
}

// ResetForRetry 重置任务状态以准备重试
// 状态回到 queued，清除失败信息，保留重试计数
func (r *scanTaskRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.ScanStatusQueued,
			"failure_type":  "",
			"error_message": "",
			"started_at":    nil,
			"completed_at":  nil,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to reset task for retry")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("🔄 Scan task reset for retry")
	return nil
}

// HasRecentScanForChecksum 检查最近窗口内是否已有相同校验和的任务
// 防止watcher对同一文件的多次事件重复建任务
func (r *scanTaskRepo) HasRecentScanForChecksum(ctx context.Context, sha256 string, within time.Duration) (bool, error) {
	if sha256 == "" {
		return false, nil
	}

	var count int64
	cutoff := time.Now().UTC().Add(-within)

	err := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("sha256 = ? AND created_at > ?", sha256, cutoff).
		Count(&count).Error

	if err != nil {
		return false, err
	}

	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"sha256":       sha256,
			"recent_count": count,
		}).Warn("⚠️ Recent scan exists for same checksum, skipping duplicate")
	}
	return count > 0, nil
}

// HasRecentScanForPackage 检查最近窗口内是否已有同名包的任务
func (r *scanTaskRepo) HasRecentScanForPackage(ctx context.Context, packageName string, within time.Duration) (bool, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-within)

	err := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("package_name = ? AND created_at > ?", packageName, cutoff).
		Count(&count).Error

	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetStatusCounts 获取各状态任务数量统计（数据库聚合查询）
func (r *scanTaskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		return nil, 0, err
	}

	counts := map[string]int64{
		string(domain.ScanStatusQueued):    0,
		string(domain.ScanStatusRunning):   0,
		string(domain.ScanStatusCompleted): 0,
		string(domain.ScanStatusFailed):    0,
	}

	var total int64
	for _, row := range results {
		counts[row.Status] = row.Count
		total += row.Count
	}
	return counts, total, nil
}

// CountBySDK 统计每个SDK的累计检出次数
func (r *scanTaskRepo) CountBySDK(ctx context.Context) (map[string]int64, error) {
	type sdkCount struct {
		SDK   string
		Count int64
	}

	var results []sdkCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanFinding{}).
		Select("sdk, COUNT(*) as count").
		Group("sdk").
		Scan(&results).Error

	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(results))
	for _, row := range results {
		counts[row.SDK] = row.Count
	}
	return counts, nil
}

// ListFailed 获取全部失败任务
func (r *scanTaskRepo) ListFailed(ctx context.Context) ([]*domain.ScanTask, error) {
	var tasks []*domain.ScanTask
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ScanStatusFailed).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ListQueued 获取全部排队任务，按创建时间先进先出
func (r *scanTaskRepo) ListQueued(ctx context.Context) ([]*domain.ScanTask, error) {
	var tasks []*domain.ScanTask
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ScanStatusQueued).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ResetStale 将遗留的running任务重置回queued
// 进程崩溃或重启会留下孤儿running任务，启动时调用一次
func (r *scanTaskRepo) ResetStale(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.ScanTask{}).
		Where("status = ?", domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":     domain.ScanStatusQueued,
			"started_at": nil,
		})

	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).
			Warn("🔄 Reset stale running tasks back to queued")
	}
	return result.RowsAffected, result.Error
}
