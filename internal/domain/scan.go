package domain

import (
	"time"
)

type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// FailureType 扫描失败类型
type FailureType string

const (
	FailureTypeNone           FailureType = ""                // 无失败（成功或进行中）
	FailureTypeBadArchive     FailureType = "bad_archive"     // 输入不是合法zip容器
	FailureTypeBadManifest    FailureType = "bad_manifest"    // 分包清单损坏
	FailureTypeRecursionLimit FailureType = "recursion_limit" // 嵌套分包超过深度上限
	FailureTypeIO             FailureType = "io_error"        // 文件读取失败
	FailureTypeTimeout        FailureType = "timeout"         // 扫描超时
	FailureTypeUnknown        FailureType = "unknown"         // 未知错误
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 环境问题，可重试
	FailureSeverityWarning FailureSeverity = "warning" // 包本身的问题，需关注
	FailureSeverityError   FailureSeverity = "error"   // 系统问题，需排查
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeIO, FailureTypeTimeout:
		return FailureSeverityNormal // 环境或负载问题
	case FailureTypeBadArchive, FailureTypeBadManifest, FailureTypeRecursionLimit:
		return FailureSeverityWarning // 包损坏或恶意构造，重扫无意义
	default:
		return FailureSeverityError
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 返回 0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeNone:
		return 0 // 成功不需要重试
	case FailureTypeBadArchive, FailureTypeBadManifest, FailureTypeRecursionLimit:
		return 0 // 包本身损坏，重试结果不变
	case FailureTypeIO, FailureTypeTimeout:
		return 3 // 环境问题，可重试
	default:
		return 1
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// ScanTask 扫描任务表
type ScanTask struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	PackageName  string      `gorm:"type:varchar(255);not null" json:"package_name"`
	PackagePath  string      `gorm:"type:varchar(500)" json:"package_path,omitempty"`
	SHA256       string      `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`
	SizeBytes    int64       `gorm:"default:0" json:"size_bytes"`
	Status       ScanStatus  `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	FailureType  FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int         `gorm:"type:tinyint;default:0" json:"retry_count"`

	// 检测结果：逗号连接的稳定SDK名称，明细在 Findings
	DetectedSDKs string `gorm:"type:varchar(500)" json:"detected_sdks"`
	SDKCount     int    `gorm:"type:tinyint;default:0" json:"sdk_count"`

	// XAPK分包元数据（仅分包时填充）
	IsSplit          bool   `gorm:"default:false" json:"is_split"`
	SplitPackageName string `gorm:"type:varchar(255)" json:"split_package_name,omitempty"`
	SplitCount       int    `gorm:"default:0" json:"split_count"`

	DurationMS  int64      `gorm:"default:0" json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 关联
	Findings []ScanFinding `gorm:"foreignKey:TaskID;references:ID" json:"findings,omitempty"`
}

func (ScanTask) TableName() string {
	return "scan_tasks"
}

// ScanFinding 单条SDK检出记录
type ScanFinding struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string    `gorm:"type:varchar(36);index:idx_task_id;not null" json:"task_id"`
	SDK       string    `gorm:"type:varchar(50);index:idx_sdk;not null" json:"sdk"`
	CreatedAt time.Time `json:"created_at"`
}

func (ScanFinding) TableName() string {
	return "scan_findings"
}
