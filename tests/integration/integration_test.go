package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sdkscan/sdkscan-go/internal/api/handlers"
	"github.com/sdkscan/sdkscan-go/internal/domain"
	"github.com/sdkscan/sdkscan-go/internal/queue"
	"github.com/sdkscan/sdkscan-go/internal/repository"
	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
	"github.com/sdkscan/sdkscan-go/internal/service"
	"github.com/sdkscan/sdkscan-go/internal/worker"
)

// TestEnvironment 集成测试环境
type TestEnvironment struct {
	DB           *gorm.DB
	Router       *gin.Engine
	ScanService  service.ScanService
	ScanRepo     repository.ScanTaskRepository
	Orchestrator *worker.Orchestrator
	Publisher    *capturePublisher
	Logger       *logrus.Logger
	InboundDir   string
	CleanupFunc  func()
}

// capturePublisher 记录发布的消息，代替真实的RabbitMQ生产者
type capturePublisher struct {
	mu       sync.Mutex
	messages []*queue.ScanMessage
}

func (p *capturePublisher) PublishScan(ctx context.Context, msg *queue.ScanMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturePublisher) published() []*queue.ScanMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*queue.ScanMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// setupTestEnvironment 创建完整的测试环境（内存数据库 + 真实检测引擎 + HTTP路由）
func setupTestEnvironment(t *testing.T) *TestEnvironment {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // 降低测试时的日志噪音

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	err = db.AutoMigrate(&domain.ScanTask{}, &domain.ScanFinding{})
	require.NoError(t, err, "Failed to migrate test database")

	// 内存库跟随连接生命周期，多个连接会各自看到一张空库，必须限制单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	scanRepo := repository.NewScanTaskRepository(db, logger)
	scanService := service.NewScanService(scanRepo, 10*time.Minute, logger)

	registry := sdkdetect.DefaultRegistry()
	engine := sdkdetect.NewEngine(registry, logger)
	orchestrator := worker.NewOrchestrator(engine, scanRepo, 30*time.Second, logger)

	publisher := &capturePublisher{}
	inboundDir := t.TempDir()

	scanHandler := handlers.NewScanHandler(scanService, publisher, logger)
	uploadHandler := handlers.NewUploadHandler(scanService, publisher, engine, logger, inboundDir, 64)
	detectorHandler := handlers.NewDetectorHandler(registry, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api")
	{
		api.GET("/scans", scanHandler.ListScans)
		api.GET("/scans/export", scanHandler.ExportScans)
		api.GET("/scans/:id", scanHandler.GetScan)
		api.DELETE("/scans/:id", scanHandler.DeleteScan)
		api.POST("/scans/:id/requeue", scanHandler.RequeueScan)
		api.GET("/stats", scanHandler.GetStats)
		api.GET("/detectors", detectorHandler.ListDetectors)
		api.POST("/upload", uploadHandler.UploadPackage)
		api.POST("/scan", uploadHandler.ScanNow)
	}

	cleanup := func() {
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	return &TestEnvironment{
		DB:           db,
		Router:       router,
		ScanService:  scanService,
		ScanRepo:     scanRepo,
		Orchestrator: orchestrator,
		Publisher:    publisher,
		Logger:       logger,
		InboundDir:   inboundDir,
		CleanupFunc:  cleanup,
	}
}

// zipArchive 构造内存中的ZIP归档
func zipArchive(tb testing.TB, entries map[string][]byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(tb, err)
		_, err = w.Write(content)
		require.NoError(tb, err)
	}
	require.NoError(tb, zw.Close())
	return buf.Bytes()
}

// writePackage 把ZIP归档写到磁盘，返回文件路径
func writePackage(tb testing.TB, dir, name string, entries map[string][]byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, zipArchive(tb, entries), 0644))
	return path
}

// postFile 构造multipart文件上传请求并执行
func postFile(t *testing.T, router *gin.Engine, url, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, router *gin.Engine, url string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

// TestEndToEnd_UploadAndScan 完整链路: 上传 -> 入队 -> 执行扫描 -> 查询结果
func TestEndToEnd_UploadAndScan(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()

	apk := zipArchive(t, map[string][]byte{
		"classes.dex":                 {0x64, 0x65, 0x78, 0x0a},
		"lib/arm64-v8a/libflutter.so": []byte("\x7fELF"),
	})

	// 1. 上传软件包
	w := postFile(t, env.Router, "/api/upload", "com.example.flutter.apk", apk)
	require.Equal(t, http.StatusCreated, w.Code, "Response: %s", w.Body.String())

	var uploadResp struct {
		ScanID      string `json:"scan_id"`
		PackageName string `json:"package_name"`
		SHA256      string `json:"sha256"`
		Status      string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadResp))
	require.NotEmpty(t, uploadResp.ScanID)
	assert.Equal(t, "com.example.flutter.apk", uploadResp.PackageName)
	assert.Equal(t, string(domain.ScanStatusQueued), uploadResp.Status)

	// 2. 消息已发布到队列
	msgs := env.Publisher.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, uploadResp.ScanID, msgs[0].ScanID)

	// 3. 模拟消费端执行扫描
	err := env.Orchestrator.ExecuteScan(context.Background(), msgs[0].ScanID, msgs[0].PackagePath)
	require.NoError(t, err)

	// 4. 查询扫描结果
	var task domain.ScanTask
	w2 := getJSON(t, env.Router, "/api/scans/"+uploadResp.ScanID, &task)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, domain.ScanStatusCompleted, task.Status)
	assert.Contains(t, task.DetectedSDKs, "ANDROID_DALVIK")
	assert.Contains(t, task.DetectedSDKs, "FLUTTER")
	assert.Equal(t, 2, task.SDKCount)
	assert.Len(t, task.Findings, 2)
}

// TestEndToEnd_ScanLifecycle 任务状态流转: queued -> running -> completed
func TestEndToEnd_ScanLifecycle(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	path := writePackage(t, t.TempDir(), "lifecycle.apk", map[string][]byte{
		"classes.dex": {0x64, 0x65, 0x78},
	})

	task, err := env.ScanService.CreateScan(ctx, "lifecycle.apk", path, "", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQueued, task.Status)
	assert.Nil(t, task.StartedAt)

	require.NoError(t, env.Orchestrator.ExecuteScan(ctx, task.ID, path))

	stored, err := env.ScanRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotEmpty(t, stored.SHA256, "Digest should be computed during the scan")
	assert.Greater(t, stored.SizeBytes, int64(0))
	assert.Equal(t, "ANDROID_DALVIK", stored.DetectedSDKs)
}

// TestEndToEnd_SplitPackageScan XAPK分包: 递归扫描每个内嵌APK并聚合结果
func TestEndToEnd_SplitPackageScan(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	base := zipArchive(t, map[string][]byte{
		"classes.dex": {0x64, 0x65, 0x78},
	})
	split := zipArchive(t, map[string][]byte{
		"lib/arm64-v8a/libunity.so": []byte("\x7fELF"),
	})
	manifest := []byte(`{
		"xapk_version": 2,
		"package_name": "com.example.game",
		"split_apks": [
			{"file": "base.apk", "id": "base"},
			{"file": "split_config.arm64_v8a.apk", "id": "config.arm64_v8a"}
		]
	}`)

	path := writePackage(t, t.TempDir(), "com.example.game.xapk", map[string][]byte{
		"manifest.json":              manifest,
		"base.apk":                   base,
		"split_config.arm64_v8a.apk": split,
	})

	task, err := env.ScanService.CreateScan(ctx, "com.example.game.xapk", path, "", 0)
	require.NoError(t, err)

	require.NoError(t, env.Orchestrator.ExecuteScan(ctx, task.ID, path))

	stored, err := env.ScanRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, stored.Status)
	assert.True(t, stored.IsSplit)
	assert.Equal(t, "com.example.game", stored.SplitPackageName)
	assert.Equal(t, 2, stored.SplitCount)
	assert.Contains(t, stored.DetectedSDKs, "ANDROID_DALVIK")
	assert.Contains(t, stored.DetectedSDKs, "UNITY")
}

// TestEndToEnd_FailureClassification 损坏的包标记为失败并记录失败类型
func TestEndToEnd_FailureClassification(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "corrupt.apk")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip archive"), 0644))

	task, err := env.ScanService.CreateScan(ctx, "corrupt.apk", path, "", 0)
	require.NoError(t, err)

	err = env.Orchestrator.ExecuteScan(ctx, task.ID, path)
	require.Error(t, err)
	// 包本身损坏，重扫结果不变，不属于可重试错误
	_, retryable := worker.IsRetryableError(err)
	assert.False(t, retryable)

	stored, err := env.ScanRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, stored.Status)
	assert.Equal(t, domain.FailureTypeBadArchive, stored.FailureType)
	assert.NotEmpty(t, stored.ErrorMessage)
}

// TestEndToEnd_RetryableFailure 文件读取失败时任务重置回队列等待重试
func TestEndToEnd_RetryableFailure(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	missing := filepath.Join(t.TempDir(), "vanished.apk")
	task, err := env.ScanService.CreateScan(ctx, "vanished.apk", missing, "", 0)
	require.NoError(t, err)

	err = env.Orchestrator.ExecuteScan(ctx, task.ID, missing)
	require.Error(t, err)

	retryErr, retryable := worker.IsRetryableError(err)
	require.True(t, retryable)
	assert.Equal(t, task.ID, retryErr.ScanID)
	assert.Equal(t, missing, retryErr.PackagePath)
	assert.Equal(t, 1, retryErr.RetryCount)

	stored, err := env.ScanRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

// TestEndToEnd_ListScans 分页列表与状态过滤
func TestEndToEnd_ListScans(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task, err := env.ScanService.CreateScan(ctx,
			fmt.Sprintf("com.example.app%d.apk", i), "",
			fmt.Sprintf("%064d", i), 1024)
		require.NoError(t, err)

		// 前3个完成，后2个保持排队
		if i < 3 {
			require.NoError(t, env.ScanRepo.MarkRunning(ctx, task.ID))
			task.DetectedSDKs = "ANDROID_DALVIK"
			require.NoError(t, env.ScanRepo.Complete(ctx, task, []string{"ANDROID_DALVIK"}))
		}
	}

	var listResp struct {
		Scans      []domain.ScanTask `json:"scans"`
		Pagination struct {
			Page  int   `json:"page"`
			Limit int   `json:"limit"`
			Total int64 `json:"total"`
			Pages int64 `json:"pages"`
		} `json:"pagination"`
	}

	w := getJSON(t, env.Router, "/api/scans?page=1&limit=10", &listResp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, listResp.Scans, 5)
	assert.Equal(t, int64(5), listResp.Pagination.Total)
	assert.Equal(t, int64(1), listResp.Pagination.Pages)

	w2 := getJSON(t, env.Router, "/api/scans?status=completed", &listResp)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Len(t, listResp.Scans, 3)
	for _, item := range listResp.Scans {
		assert.Equal(t, domain.ScanStatusCompleted, item.Status)
	}

	// 包名模糊搜索
	w3 := getJSON(t, env.Router, "/api/scans?search=app2", &listResp)
	require.Equal(t, http.StatusOK, w3.Code)
	require.Len(t, listResp.Scans, 1)
	assert.Equal(t, "com.example.app2.apk", listResp.Scans[0].PackageName)
}

// TestEndToEnd_DeleteScan 删除任务级联清除检出明细
func TestEndToEnd_DeleteScan(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	task, err := env.ScanService.CreateScan(ctx, "doomed.apk", "", "", 0)
	require.NoError(t, err)
	require.NoError(t, env.ScanRepo.MarkRunning(ctx, task.ID))
	task.DetectedSDKs = "ANDROID_DALVIK,FLUTTER"
	require.NoError(t, env.ScanRepo.Complete(ctx, task, []string{"ANDROID_DALVIK", "FLUTTER"}))

	req := httptest.NewRequest(http.MethodDelete, "/api/scans/"+task.ID, nil)
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = env.ScanRepo.FindByID(ctx, task.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	var findingCount int64
	env.DB.Model(&domain.ScanFinding{}).Where("task_id = ?", task.ID).Count(&findingCount)
	assert.Equal(t, int64(0), findingCount, "Findings must be removed with the task")
}

// TestEndToEnd_SystemStats 统计接口聚合任务状态与SDK检出次数
func TestEndToEnd_SystemStats(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	complete := func(name, sha string, sdks []string) {
		task, err := env.ScanService.CreateScan(ctx, name, "", sha, 0)
		require.NoError(t, err)
		require.NoError(t, env.ScanRepo.MarkRunning(ctx, task.ID))
		require.NoError(t, env.ScanRepo.Complete(ctx, task, sdks))
	}

	complete("stats-a.apk", fmt.Sprintf("%064d", 1), []string{"ANDROID_DALVIK", "FLUTTER"})
	complete("stats-b.apk", fmt.Sprintf("%064d", 2), []string{"ANDROID_DALVIK"})

	failed, err := env.ScanService.CreateScan(ctx, "stats-c.apk", "", fmt.Sprintf("%064d", 3), 0)
	require.NoError(t, err)
	require.NoError(t, env.ScanRepo.UpdateFailure(ctx, failed.ID, domain.FailureTypeBadArchive, "not a zip"))

	_, err = env.ScanService.CreateScan(ctx, "stats-d.apk", "", fmt.Sprintf("%064d", 4), 0)
	require.NoError(t, err)

	var stats struct {
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"by_status"`
		BySDK    map[string]int64 `json:"by_sdk"`
	}
	w := getJSON(t, env.Router, "/api/stats", &stats)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus["completed"])
	assert.Equal(t, int64(1), stats.ByStatus["failed"])
	assert.Equal(t, int64(1), stats.ByStatus["queued"])
	assert.Equal(t, int64(2), stats.BySDK["ANDROID_DALVIK"])
	assert.Equal(t, int64(1), stats.BySDK["FLUTTER"])
}

// TestEndToEnd_RequeueScan 手动重新入队：重置任务状态并重新发布消息
func TestEndToEnd_RequeueScan(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	task, err := env.ScanService.CreateScan(ctx, "requeue.apk", "/data/requeue.apk", "", 0)
	require.NoError(t, err)
	require.NoError(t, env.ScanRepo.UpdateFailure(ctx, task.ID, domain.FailureTypeTimeout, "scan timed out"))

	req := httptest.NewRequest(http.MethodPost, "/api/scans/"+task.ID+"/requeue", nil)
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "Response: %s", w.Body.String())

	stored, err := env.ScanRepo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQueued, stored.Status)
	assert.Equal(t, domain.FailureTypeNone, stored.FailureType)

	msgs := env.Publisher.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, task.ID, msgs[0].ScanID)
	assert.Equal(t, "/data/requeue.apk", msgs[0].PackagePath)

	// 执行中的任务不允许重新入队
	running, err := env.ScanService.CreateScan(ctx, "running.apk", "", fmt.Sprintf("%064d", 9), 0)
	require.NoError(t, err)
	require.NoError(t, env.ScanRepo.MarkRunning(ctx, running.ID))

	req2 := httptest.NewRequest(http.MethodPost, "/api/scans/"+running.ID+"/requeue", nil)
	w2 := httptest.NewRecorder()
	env.Router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusConflict, w2.Code)
}

// TestEndToEnd_AdHocScan 同步扫描接口：直接返回检测结果，不落库不入队
func TestEndToEnd_AdHocScan(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()

	apk := zipArchive(t, map[string][]byte{
		"classes.dex":           {0x64, 0x65, 0x78},
		"assets/www/cordova.js": []byte("var cordova = {};"),
	})

	w := postFile(t, env.Router, "/api/scan", "hybrid.apk", apk)
	require.Equal(t, http.StatusOK, w.Code, "Response: %s", w.Body.String())

	var resp struct {
		PackageName string   `json:"package_name"`
		SDKs        []string `json:"sdks"`
		SDKCount    int      `json:"sdk_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hybrid.apk", resp.PackageName)
	assert.Equal(t, []string{"ANDROID_DALVIK", "CORDOVA"}, resp.SDKs)
	assert.Equal(t, 2, resp.SDKCount)

	// 同步扫描不产生持久化任务，也不发布消息
	var count int64
	env.DB.Model(&domain.ScanTask{}).Count(&count)
	assert.Equal(t, int64(0), count)
	assert.Empty(t, env.Publisher.published())
}

// TestEndToEnd_ListDetectors 检测规则清单接口
func TestEndToEnd_ListDetectors(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()

	var resp struct {
		Detectors []struct {
			SDK string `json:"sdk"`
		} `json:"detectors"`
		Total int `json:"total"`
	}
	w := getJSON(t, env.Router, "/api/detectors", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 14, resp.Total)
	require.NotEmpty(t, resp.Detectors)
	assert.Equal(t, "ANDROID_DALVIK", resp.Detectors[0].SDK)
}

// TestEndToEnd_ErrorHandling 各接口的错误响应
func TestEndToEnd_ErrorHandling(t *testing.T) {
	env := setupTestEnvironment(t)
	defer env.CleanupFunc()

	// 查询不存在的任务
	w := getJSON(t, env.Router, "/api/scans/nonexistent-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 删除不存在的任务
	req := httptest.NewRequest(http.MethodDelete, "/api/scans/nonexistent-id", nil)
	w2 := httptest.NewRecorder()
	env.Router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNotFound, w2.Code)

	// 重新入队不存在的任务
	req3 := httptest.NewRequest(http.MethodPost, "/api/scans/nonexistent-id/requeue", nil)
	w3 := httptest.NewRecorder()
	env.Router.ServeHTTP(w3, req3)
	assert.Equal(t, http.StatusNotFound, w3.Code)
	assert.Empty(t, env.Publisher.published())

	// 不支持的文件类型
	w4 := postFile(t, env.Router, "/api/upload", "payload.exe", []byte("MZ"))
	assert.Equal(t, http.StatusBadRequest, w4.Code)

	// 同步扫描坏包
	w5 := postFile(t, env.Router, "/api/scan", "broken.apk", []byte("garbage"))
	assert.Equal(t, http.StatusUnprocessableEntity, w5.Code)
}

// TestStress_ConcurrentScanCreation 压力测试: 并发创建扫描任务
func TestStress_ConcurrentScanCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	const concurrency = 50
	var wg sync.WaitGroup
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			// 每个任务使用唯一校验和，避开去重窗口
			_, err := env.ScanService.CreateScan(ctx,
				fmt.Sprintf("concurrent_%d.apk", index), "",
				fmt.Sprintf("%064d", index), 1024)
			if err != nil {
				errors <- err
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Errorf("Concurrent creation failed: %v", err)
	}

	var count int64
	env.DB.Model(&domain.ScanTask{}).Count(&count)
	assert.Equal(t, int64(concurrency), count)

	t.Logf("✅ Created %d scan tasks concurrently", count)
}

// TestStress_ConcurrentScanExecution 压力测试: 工作池并发执行真实扫描
func TestStress_ConcurrentScanExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	pool := worker.NewPool(4, env.Orchestrator, env.Logger)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(poolCtx)

	const packages = 20
	dir := t.TempDir()

	type job struct {
		scanID string
		path   string
	}
	jobs := make([]job, 0, packages)
	for i := 0; i < packages; i++ {
		path := writePackage(t, dir, fmt.Sprintf("pkg%d.apk", i), map[string][]byte{
			"classes.dex": {0x64, 0x65, 0x78},
		})
		task, err := env.ScanService.CreateScan(ctx,
			fmt.Sprintf("pkg%d.apk", i), path, fmt.Sprintf("%064d", i), 0)
		require.NoError(t, err)
		jobs = append(jobs, job{scanID: task.ID, path: path})
	}

	var wg sync.WaitGroup
	errors := make(chan error, packages)
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			if err := pool.SubmitAndWait(ctx, &worker.ScanJob{ID: j.scanID, PackagePath: j.path}); err != nil {
				errors <- err
			}
		}(j)
	}

	wg.Wait()
	pool.Stop()
	close(errors)

	for err := range errors {
		t.Errorf("Scan execution failed: %v", err)
	}

	_, total, err := env.ScanRepo.ListWithFilter(ctx, 1, packages, string(domain.ScanStatusCompleted), "")
	require.NoError(t, err)
	assert.Equal(t, int64(packages), total)

	t.Logf("✅ Executed %d scans through the worker pool", packages)
}

// TestStress_ConcurrentAPIRequests 压力测试: 并发HTTP请求
func TestStress_ConcurrentAPIRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	env := setupTestEnvironment(t)
	defer env.CleanupFunc()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		task, err := env.ScanService.CreateScan(ctx,
			fmt.Sprintf("api_%d.apk", i), "", fmt.Sprintf("%064d", i), 0)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	const requests = 100
	var wg sync.WaitGroup
	var failures int64

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			var url string
			switch index % 3 {
			case 0:
				url = "/api/scans?page=1&limit=10"
			case 1:
				url = "/api/scans/" + ids[index%len(ids)]
			case 2:
				url = "/api/stats"
			}

			req := httptest.NewRequest(http.MethodGet, url, nil)
			w := httptest.NewRecorder()
			env.Router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				atomic.AddInt64(&failures, 1)
			}
		}(i)
	}

	wg.Wait()
	assert.Equal(t, int64(0), failures)

	t.Logf("✅ Served %d concurrent API requests", requests)
}

// BenchmarkCreateScan 基准测试: 创建扫描任务
func BenchmarkCreateScan(b *testing.B) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, _ := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	db.AutoMigrate(&domain.ScanTask{}, &domain.ScanFinding{})
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewScanTaskRepository(db, logger)
	svc := service.NewScanService(repo, 0, logger)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc.CreateScan(ctx, fmt.Sprintf("bench_%d.apk", i), "", fmt.Sprintf("%064d", i), 0)
	}
}

// BenchmarkEngineScanFile 基准测试: 检测引擎扫描单个软件包
func BenchmarkEngineScanFile(b *testing.B) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	engine := sdkdetect.NewEngine(sdkdetect.DefaultRegistry(), logger)

	path := writePackage(b, b.TempDir(), "bench.apk", map[string][]byte{
		"classes.dex":                 {0x64, 0x65, 0x78},
		"lib/arm64-v8a/libflutter.so": []byte("\x7fELF"),
		"assets/www/cordova.js":       []byte("var cordova = {};"),
		"res/layout/activity.xml":     []byte("<xml/>"),
	})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.ScanFile(ctx, path); err != nil {
			b.Fatal(err)
		}
	}
}
