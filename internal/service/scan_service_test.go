package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sdkscan/sdkscan-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockScanTaskRepository Mock Repository
type MockScanTaskRepository struct {
	mock.Mock
}

func (m *MockScanTaskRepository) Create(ctx context.Context, task *domain.ScanTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockScanTaskRepository) FindByID(ctx context.Context, id string) (*domain.ScanTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanTask), args.Error(1)
}

func (m *MockScanTaskRepository) ListWithFilter(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.ScanTask, int64, error) {
	args := m.Called(ctx, page, pageSize, statusFilter, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.ScanTask), args.Get(1).(int64), args.Error(2)
}

func (m *MockScanTaskRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScanTaskRepository) MarkRunning(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScanTaskRepository) Complete(ctx context.Context, task *domain.ScanTask, sdks []string) error {
	args := m.Called(ctx, task, sdks)
	return args.Error(0)
}

func (m *MockScanTaskRepository) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	args := m.Called(ctx, id, failureType, errorMessage)
	return args.Error(0)
}

func (m *MockScanTaskRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockScanTaskRepository) ResetForRetry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScanTaskRepository) HasRecentScanForChecksum(ctx context.Context, sha256 string, within time.Duration) (bool, error) {
	args := m.Called(ctx, sha256, within)
	return args.Bool(0), args.Error(1)
}

func (m *MockScanTaskRepository) HasRecentScanForPackage(ctx context.Context, packageName string, within time.Duration) (bool, error) {
	args := m.Called(ctx, packageName, within)
	return args.Bool(0), args.Error(1)
}

func (m *MockScanTaskRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockScanTaskRepository) CountBySDK(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockScanTaskRepository) ListFailed(ctx context.Context) ([]*domain.ScanTask, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ScanTask), args.Error(1)
}

func (m *MockScanTaskRepository) ListQueued(ctx context.Context) ([]*domain.ScanTask, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ScanTask), args.Error(1)
}

func (m *MockScanTaskRepository) ResetStale(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func newTestService(mockRepo *MockScanTaskRepository) ScanService {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewScanService(mockRepo, 10*time.Minute, logger)
}

// TestScanService_CreateScan 测试创建扫描任务
func TestScanService_CreateScan(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "test.apk", 10*time.Minute).Return(false, nil)
	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.ScanTask")).Return(nil)

	task, err := service.CreateScan(ctx, "test.apk", "inbound_packages/test.apk", "", 0)

	assert.NoError(t, err)
	assert.NotNil(t, task)
	assert.NotEmpty(t, task.ID, "Scan ID should not be empty")
	assert.Equal(t, "test.apk", task.PackageName)
	assert.Equal(t, domain.ScanStatusQueued, task.Status)
	mockRepo.AssertExpectations(t)
}

// TestScanService_CreateScan_ChecksumDedupe 测试按校验和去重
func TestScanService_CreateScan_ChecksumDedupe(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForChecksum", ctx, "deadbeef", 10*time.Minute).Return(true, nil)

	task, err := service.CreateScan(ctx, "test.apk", "uploads/test.apk", "deadbeef", 1024)

	assert.ErrorIs(t, err, ErrDuplicateScan)
	assert.Nil(t, task)
	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestScanService_CreateScan_PackageDedupe 测试按包名去重
func TestScanService_CreateScan_PackageDedupe(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "dup.xapk", 10*time.Minute).Return(true, nil)

	task, err := service.CreateScan(ctx, "dup.xapk", "inbound_packages/dup.xapk", "", 0)

	assert.ErrorIs(t, err, ErrDuplicateScan)
	assert.Nil(t, task)
}

// TestScanService_CreateScan_DedupeCheckFails 测试去重检查失败时放行
func TestScanService_CreateScan_DedupeCheckFails(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "test.apk", 10*time.Minute).Return(false, errors.New("database error"))
	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.ScanTask")).Return(nil)

	task, err := service.CreateScan(ctx, "test.apk", "inbound_packages/test.apk", "", 0)

	assert.NoError(t, err, "Dedupe check failure should not block creation")
	assert.NotNil(t, task)
	mockRepo.AssertExpectations(t)
}

// TestScanService_CreateScan_Error 测试创建扫描任务失败
func TestScanService_CreateScan_Error(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "test.apk", 10*time.Minute).Return(false, nil)
	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.ScanTask")).Return(errors.New("database error"))

	task, err := service.CreateScan(ctx, "test.apk", "inbound_packages/test.apk", "", 0)

	assert.Error(t, err)
	assert.Nil(t, task)
	mockRepo.AssertExpectations(t)
}

// TestScanService_CreateScan_ValidateName 测试软件包名称校验
func TestScanService_CreateScan_ValidateName(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)

	testCases := []struct {
		name        string
		packageName string
		shouldErr   bool
	}{
		{"Valid APK", "app.apk", false},
		{"Valid XAPK", "bundle.xapk", false},
		{"Valid ZIP", "bundle.zip", false},
		{"Uppercase extension", "APP.APK", false},
		{"Empty name", "", true},
		{"Only spaces", "   ", true},
		{"Unsupported extension", "app.txt", true},
		{"Valid with version", "app-v1.2.3.apk", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.shouldErr {
				mockRepo.On("HasRecentScanForPackage", mock.Anything, mock.Anything, 10*time.Minute).Return(false, nil).Once()
				mockRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.ScanTask")).Return(nil).Once()
			}

			task, err := service.CreateScan(context.Background(), tc.packageName, "", "", 0)

			if tc.shouldErr {
				assert.Error(t, err, "Expected error for: %s", tc.packageName)
				assert.Nil(t, task)
			} else {
				assert.NoError(t, err, "Unexpected error for: %s", tc.packageName)
				assert.NotNil(t, task)
			}
		})
	}
}

// TestScanService_GetScan 测试获取扫描任务
func TestScanService_GetScan(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	expected := &domain.ScanTask{
		ID:          "scan-001",
		PackageName: "test.apk",
		Status:      domain.ScanStatusRunning,
	}

	mockRepo.On("FindByID", ctx, "scan-001").Return(expected, nil)

	task, err := service.GetScan(ctx, "scan-001")

	assert.NoError(t, err)
	assert.NotNil(t, task)
	assert.Equal(t, expected.ID, task.ID)
	assert.Equal(t, expected.Status, task.Status)
	mockRepo.AssertExpectations(t)
}

// TestScanService_GetScan_NotFound 测试获取不存在的扫描任务
func TestScanService_GetScan_NotFound(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("FindByID", ctx, "non-existent").Return(nil, errors.New("not found"))

	task, err := service.GetScan(ctx, "non-existent")

	assert.Error(t, err)
	assert.Nil(t, task)
	mockRepo.AssertExpectations(t)
}

// TestScanService_ListScans 测试分页列表
func TestScanService_ListScans(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	expected := []*domain.ScanTask{
		{ID: "scan-1", PackageName: "app1.apk", Status: domain.ScanStatusCompleted},
		{ID: "scan-2", PackageName: "app2.apk", Status: domain.ScanStatusRunning},
	}

	mockRepo.On("ListWithFilter", ctx, 1, 20, "", "").Return(expected, int64(2), nil)

	tasks, total, err := service.ListScans(ctx, 1, 20, "", "")

	assert.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, tasks, 2)
	assert.Equal(t, expected[0].ID, tasks[0].ID)
	mockRepo.AssertExpectations(t)
}

// TestScanService_DeleteScan 测试删除扫描任务
func TestScanService_DeleteScan(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("Delete", ctx, "scan-001").Return(nil)

	err := service.DeleteScan(ctx, "scan-001")

	assert.NoError(t, err)
	mockRepo.AssertExpectations(t)
}

// TestScanService_DeleteScan_Error 测试删除失败透传错误
func TestScanService_DeleteScan_Error(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("Delete", ctx, "ghost").Return(errors.New("record not found"))

	err := service.DeleteScan(ctx, "ghost")

	assert.Error(t, err)
}

// TestScanService_Stats 测试统计信息聚合
func TestScanService_Stats(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("GetStatusCounts", ctx).Return(map[string]int64{
		"queued":    5,
		"running":   2,
		"completed": 100,
		"failed":    3,
	}, int64(110), nil)
	mockRepo.On("CountBySDK", ctx).Return(map[string]int64{
		"FLUTTER":        40,
		"ANDROID_KOTLIN": 80,
	}, nil)

	stats, err := service.Stats(ctx)

	assert.NoError(t, err)
	assert.NotNil(t, stats)
	assert.Equal(t, int64(110), stats.Total)
	assert.Equal(t, int64(100), stats.ByStatus["completed"])
	assert.Equal(t, int64(40), stats.BySDK["FLUTTER"])
	mockRepo.AssertExpectations(t)
}

// TestScanService_RequeueFailed 测试失败任务重置（仅可重试的失败类型）
func TestScanService_RequeueFailed(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	failed := []*domain.ScanTask{
		{ID: "scan-io", Status: domain.ScanStatusFailed, FailureType: domain.FailureTypeIO, RetryCount: 1},
		{ID: "scan-broken", Status: domain.ScanStatusFailed, FailureType: domain.FailureTypeBadArchive, RetryCount: 0},
		{ID: "scan-exhausted", Status: domain.ScanStatusFailed, FailureType: domain.FailureTypeTimeout, RetryCount: 3},
	}

	mockRepo.On("ListFailed", ctx).Return(failed, nil)
	mockRepo.On("IncrementRetryCount", ctx, "scan-io").Return(2, nil)
	mockRepo.On("ResetForRetry", ctx, "scan-io").Return(nil)

	requeued, err := service.RequeueFailed(ctx)

	assert.NoError(t, err)
	assert.Len(t, requeued, 1, "Only the retryable IO failure should be requeued")
	assert.Equal(t, "scan-io", requeued[0].ID)
	mockRepo.AssertNotCalled(t, "ResetForRetry", ctx, "scan-broken")
	mockRepo.AssertNotCalled(t, "ResetForRetry", ctx, "scan-exhausted")
	mockRepo.AssertExpectations(t)
}

// TestScanService_RequeueScan 测试手动重置单个任务
func TestScanService_RequeueScan(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	failed := &domain.ScanTask{
		ID:          "scan-failed",
		PackageName: "app.apk",
		PackagePath: "inbound_packages/app.apk",
		Status:      domain.ScanStatusFailed,
		FailureType: domain.FailureTypeBadArchive,
	}

	mockRepo.On("FindByID", ctx, "scan-failed").Return(failed, nil)
	mockRepo.On("ResetForRetry", ctx, "scan-failed").Return(nil)

	task, err := service.RequeueScan(ctx, "scan-failed")

	assert.NoError(t, err)
	assert.NotNil(t, task)
	assert.Equal(t, "scan-failed", task.ID)
	mockRepo.AssertExpectations(t)
}

// TestScanService_RequeueScan_Running 测试运行中的任务不能重新入队
func TestScanService_RequeueScan_Running(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	running := &domain.ScanTask{
		ID:     "scan-busy",
		Status: domain.ScanStatusRunning,
	}

	mockRepo.On("FindByID", ctx, "scan-busy").Return(running, nil)

	task, err := service.RequeueScan(ctx, "scan-busy")

	assert.ErrorIs(t, err, ErrScanRunning)
	assert.Nil(t, task)
	mockRepo.AssertNotCalled(t, "ResetForRetry", ctx, "scan-busy")
}

// TestScanService_RequeueScan_NotFound 测试重置不存在的任务
func TestScanService_RequeueScan_NotFound(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("FindByID", ctx, "ghost").Return(nil, errors.New("not found"))

	task, err := service.RequeueScan(ctx, "ghost")

	assert.Error(t, err)
	assert.Nil(t, task)
}

// TestScanService_ConcurrentCreate 测试并发创建
func TestScanService_ConcurrentCreate(t *testing.T) {
	mockRepo := new(MockScanTaskRepository)
	service := newTestService(mockRepo)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "test.apk", 10*time.Minute).Return(false, nil)
	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.ScanTask")).Return(nil)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := service.CreateScan(ctx, "test.apk", "", "", 0)
			assert.NoError(t, err)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	mockRepo.AssertNumberOfCalls(t, "Create", 10)
}

// BenchmarkScanService_CreateScan 性能测试 - 创建扫描任务
func BenchmarkScanService_CreateScan(b *testing.B) {
	mockRepo := new(MockScanTaskRepository)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	service := NewScanService(mockRepo, 10*time.Minute, logger)
	ctx := context.Background()

	mockRepo.On("HasRecentScanForPackage", ctx, "bench.apk", 10*time.Minute).Return(false, nil)
	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.ScanTask")).Return(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		service.CreateScan(ctx, "bench.apk", "", "", 0)
	}
}
