package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/api"
	"github.com/sdkscan/sdkscan-go/internal/api/handlers"
	"github.com/sdkscan/sdkscan-go/internal/config"
	"github.com/sdkscan/sdkscan-go/internal/middleware"
	"github.com/sdkscan/sdkscan-go/internal/queue"
	"github.com/sdkscan/sdkscan-go/internal/repository"
	"github.com/sdkscan/sdkscan-go/internal/retry"
	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
	"github.com/sdkscan/sdkscan-go/internal/service"
	"github.com/sdkscan/sdkscan-go/internal/utils"
	"github.com/sdkscan/sdkscan-go/internal/watcher"
	"github.com/sdkscan/sdkscan-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("SDK Scan Platform - Go Version\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting SDK Scan Platform %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 优化数据库连接池
	if err := utils.OptimizeDBPool(db); err != nil {
		logger.WithError(err).Warn("Failed to optimize DB pool")
	} else {
		logger.Info("Database connection pool optimized")
	}

	scanRepo := repository.NewScanTaskRepository(db, logger)

	// 清理因服务重启而中断的扫描：遗留的running任务重置回queued，
	// 稍后 republishQueuedTasks 会把它们重新投递
	if _, err := scanRepo.ResetStale(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to reset stale scans")
	}

	// 5. 初始化 RabbitMQ
	// 服务可能先于broker就绪（容器编排场景），连接带退避重试
	// prefetch count = worker concurrency，以支持并行消费
	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}
	workerCount := cfg.Worker.Concurrency
	if workerCount <= 0 {
		workerCount = 1
	}

	connectCfg := retry.DefaultConfig()
	connectCfg.MaxAttempts = 5
	connectCfg.Logger = logger
	mq, err := retry.DoWithResult(context.Background(), connectCfg, func(ctx context.Context) (*queue.RabbitMQ, error) {
		return queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, workerCount, logger)
	})
	if err != nil {
		logger.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	defer mq.Close()
	mq.StartConnectionWatcher()
	logger.WithField("prefetch_count", workerCount).Info("RabbitMQ connected successfully")

	// 6. 初始化 Services
	dedupeWindow := time.Duration(cfg.Scan.DedupeWindowMinutes) * time.Minute
	scanService := service.NewScanService(scanRepo, dedupeWindow, logger)

	// 7. 初始化检测引擎
	registry := sdkdetect.DefaultRegistry()
	engine := sdkdetect.NewEngine(registry, logger)
	logger.WithField("rules", registry.Len()).Info("Detection engine initialized")

	// 8. 初始化扫描事件推送（WebSocket广播）
	// 必须在Orchestrator初始化之前创建
	eventsHandler := handlers.NewEventsHandler(logger)
	eventsHandler.Start()

	// 9. 启动内存监控
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 10. 初始化 Prometheus 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "sdkscan")
	promMetrics.UpdateDetectorRulesCount(registry.Len())
	logger.Info("Prometheus metrics initialized")

	// 11. 初始化核心编排器 (Orchestrator)
	scanTimeout := time.Duration(cfg.Scan.TimeoutSeconds) * time.Second
	orchestrator := worker.NewOrchestrator(engine, scanRepo, scanTimeout, logger)
	orchestrator.SetEventBroadcaster(eventsHandler)
	orchestrator.SetMetrics(promMetrics)
	logger.WithField("scan_timeout", scanTimeout.String()).Info("Orchestrator initialized")

	// 12. 初始化 Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, orchestrator, logger)
	workerPool.Start(context.Background())
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	// 启动 Prometheus 指标更新协程
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			// 更新内存统计
			promMetrics.UpdateMemoryStats(memMonitor.GetStats())

			// 更新数据库连接统计
			if sqlDB, err := db.DB(); err == nil {
				dbStats := sqlDB.Stats()
				promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
			}

			// 更新 Worker Pool 统计
			size, active, queued := workerPool.Stats()
			promMetrics.UpdateWorkerPoolStats(size, active, queued)

			// 更新队列积压
			if backlog, _, err := mq.GetQueueStats(); err == nil {
				promMetrics.UpdateQueueBacklog(backlog)
			}
		}
	}()

	// 13. 初始化消息队列 Producer
	producer := queue.NewProducer(mq, logger)

	// 13.1 重新发布排队中的扫描（服务重启后以数据库为准重建队列）
	if err := republishQueuedScans(scanRepo, mq, producer, logger); err != nil {
		logger.WithError(err).Warn("Failed to republish queued scans")
	}

	// 14. 启动扫描消费者 (从 RabbitMQ 读取任务并提交到 Worker Pool)
	consumer := queue.NewConsumer(mq, createScanHandler(workerPool, producer, logger), cfg.Worker.Concurrency, logger)
	if err := consumer.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()
	logger.Infof("Scan consumer started with %d workers", cfg.Worker.Concurrency)

	// 15. 启动文件监控
	if cfg.Watcher.Enabled {
		patterns := []string{"*.apk", "*.xapk", "*.zip"}
		fileWatcher, err := watcher.NewFileWatcher(cfg.InboundDir, patterns, cfg.Watcher.ScanExisting, createFileHandler(scanService, producer, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.InboundDir)
	} else {
		logger.Info("File watcher disabled")
	}

	// 16. 设置 HTTP Server
	scanHandler := handlers.NewScanHandler(scanService, producer, logger)
	uploadHandler := handlers.NewUploadHandler(scanService, producer, engine, logger, cfg.InboundDir, cfg.Scan.MaxUploadMB)
	detectorHandler := handlers.NewDetectorHandler(registry, logger)

	router := api.SetupRouter(cfg, logger, memMonitor, promMetrics, scanHandler, uploadHandler, detectorHandler, eventsHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 10分钟，支持大包上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 17. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 18. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 19. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止 HTTP Server
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 关闭数据库连接
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// createScanHandler 创建扫描处理器 (从 RabbitMQ 消息提交到 Worker Pool)
// producer 用于在扫描需要重试时重新发布消息
func createScanHandler(workerPool *worker.Pool, producer *queue.Producer, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithFields(logrus.Fields{
			"scan_id":      msg.ScanID,
			"package_name": msg.PackageName,
			"package_path": msg.PackagePath,
		}).Info("Received scan from RabbitMQ, submitting to worker pool")

		// 提交任务到 Worker Pool（同步等待扫描完成）
		job := &worker.ScanJob{
			ID:          msg.ScanID,
			PackagePath: msg.PackagePath,
		}

		if err := workerPool.SubmitAndWait(ctx, job); err != nil {
			// 检查是否为可重试错误
			if retryErr, ok := worker.IsRetryableError(err); ok {
				logger.WithFields(logrus.Fields{
					"scan_id":     retryErr.ScanID,
					"retry_count": retryErr.RetryCount,
					"max_retry":   retryErr.MaxRetry,
				}).Warn("🔄 Scan failed, republishing to RabbitMQ for retry...")

				// 重新发布到 RabbitMQ
				retryMsg := &queue.ScanMessage{
					ScanID:      retryErr.ScanID,
					PackageName: msg.PackageName,
					PackagePath: retryErr.PackagePath,
				}
				if pubErr := producer.PublishScan(ctx, retryMsg); pubErr != nil {
					logger.WithError(pubErr).WithField("scan_id", retryErr.ScanID).Error("Failed to republish scan for retry")
					return pubErr
				}
				logger.WithField("scan_id", retryErr.ScanID).Info("✅ Scan republished to RabbitMQ for retry")
				return nil // 重试已安排，不返回错误
			}

			logger.WithError(err).Error("Scan execution failed")
			return err
		}

		logger.WithField("scan_id", msg.ScanID).Info("Scan completed successfully")
		return nil
	}
}

// createFileHandler 创建文件处理器
// 新包落地后：计算摘要 → 创建任务（去重窗口按校验和判断）→ 发布到队列
func createFileHandler(scanService service.ScanService, producer *queue.Producer, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New package file detected")

		checksum, size, err := fileChecksum(filePath)
		if err != nil {
			return fmt.Errorf("failed to checksum package: %w", err)
		}

		// 1. 创建扫描任务
		task, err := scanService.CreateScan(ctx, fileName, filePath, checksum, size)
		if err != nil {
			if errors.Is(err, service.ErrDuplicateScan) {
				// 上传接口与文件监控会看到同一个文件，去重窗口内直接跳过
				logger.WithField("file_name", fileName).Info("Duplicate package within dedupe window, skipping")
				return nil
			}
			return fmt.Errorf("failed to create scan: %w", err)
		}

		// 2. 发布到消息队列（瞬时断连时带退避重试）
		msg := &queue.ScanMessage{
			ScanID:      task.ID,
			PackageName: fileName,
			PackagePath: filePath,
		}

		publishCfg := retry.DefaultConfig()
		publishCfg.Logger = logger
		if err := retry.Do(ctx, publishCfg, func(ctx context.Context) error {
			return producer.PublishScan(ctx, msg)
		}); err != nil {
			return fmt.Errorf("failed to publish scan: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"scan_id":      task.ID,
			"package_name": fileName,
		}).Info("Scan created and published to queue")

		return nil
	}
}

// fileChecksum 流式计算文件的SHA256摘要与大小
func fileChecksum(path string) (string, int64, error) {
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

// republishQueuedScans 重新发布排队中的扫描到 RabbitMQ
// 服务重启后，以数据库为唯一真实数据源，重建 RabbitMQ 队列
// 步骤：1. 清空队列中的残留消息  2. 从数据库查询 queued 任务  3. 重新投递
func republishQueuedScans(scanRepo repository.ScanTaskRepository, mq *queue.RabbitMQ, producer *queue.Producer, logger *logrus.Logger) error {
	logger.Info("Rebuilding RabbitMQ queue from database (single source of truth)...")

	// 1. 先清空队列，确保没有残留的重复/过期消息
	purgedCount, err := mq.PurgeQueue()
	if err != nil {
		logger.WithError(err).Warn("Failed to purge queue, continuing with republish...")
	} else if purgedCount > 0 {
		logger.WithField("purged_count", purgedCount).Info("Cleared stale messages from queue")
	}

	// 2. 查找所有 queued 状态的扫描
	tasks, err := scanRepo.ListQueued(context.Background())
	if err != nil {
		return fmt.Errorf("failed to query queued scans: %w", err)
	}

	if len(tasks) == 0 {
		logger.Info("No queued scans found, queue is empty and clean")
		return nil
	}

	logger.Infof("Found %d queued scans in database, republishing to RabbitMQ...", len(tasks))

	// 3. 重新发布每个扫描
	successCount := 0
	for _, task := range tasks {
		msg := &queue.ScanMessage{
			ScanID:      task.ID,
			PackageName: task.PackageName,
			PackagePath: task.PackagePath,
		}

		if err := producer.PublishScan(context.Background(), msg); err != nil {
			logger.WithError(err).WithField("scan_id", task.ID).Error("Failed to republish scan")
			continue
		}

		successCount++
		logger.WithFields(logrus.Fields{
			"scan_id":      task.ID,
			"package_name": task.PackageName,
		}).Debug("Scan republished to queue")
	}

	logger.WithFields(logrus.Fields{
		"total":   len(tasks),
		"success": successCount,
		"failed":  len(tasks) - successCount,
	}).Info("Queued scans republished to RabbitMQ")

	return nil
}
