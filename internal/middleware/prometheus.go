package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描业务指标
	scansTotal         *prometheus.CounterVec
	scansInProgress    prometheus.Gauge
	scanDuration       *prometheus.HistogramVec
	sdkDetectionsTotal *prometheus.CounterVec
	scanFailuresTotal  *prometheus.CounterVec
	splitPackagesTotal prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	// 消息队列指标
	queueBacklog prometheus.Gauge

	// 检测规则指标
	detectorRulesTotal prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "sdkscan"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		// HTTP 请求指标
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		// 扫描业务指标
		scansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of scan tasks",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		scansInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scans_in_progress",
				Help:      "Number of scans currently running",
			},
		),
		scanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		),
		sdkDetectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sdk_detections_total",
				Help:      "Total number of SDK detections by SDK name",
			},
			[]string{"sdk"},
		),
		scanFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_failures_total",
				Help:      "Total number of scan failures by failure type",
			},
			[]string{"failure_type"},
		),
		splitPackagesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "split_packages_total",
				Help:      "Total number of split packages scanned",
			},
		),

		// 系统指标
		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		// Worker Pool 指标
		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of scan jobs waiting in the pool queue",
			},
		),

		// 数据库指标
		dbConnectionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),

		// 消息队列指标
		queueBacklog: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_backlog",
				Help:      "Number of scan messages waiting in the broker queue",
			},
		),

		// 检测规则指标
		detectorRulesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "detector_rules_total",
				Help:      "Total number of registered SDK detection rules",
			},
		),

		// 重试指标
		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"}, // operation: rabbitmq/db/publish, attempt: 1/2/3
		),
		retrySuccessTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_success_total",
				Help:      "Total number of successful retries",
			},
			[]string{"operation"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 处理请求
		c.Next()

		// 记录指标
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordScanCreated 记录扫描任务创建
func (pm *PrometheusMetrics) RecordScanCreated() {
	pm.scansTotal.WithLabelValues("queued").Inc()
}

// RecordScanStarted 记录扫描开始
func (pm *PrometheusMetrics) RecordScanStarted() {
	pm.scansTotal.WithLabelValues("running").Inc()
	pm.scansInProgress.Inc()
}

// RecordScanCompleted 记录扫描完成及命中的SDK
func (pm *PrometheusMetrics) RecordScanCompleted(duration time.Duration, sdks []string) {
	pm.scansTotal.WithLabelValues("completed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("completed").Observe(duration.Seconds())
	for _, sdk := range sdks {
		pm.sdkDetectionsTotal.WithLabelValues(sdk).Inc()
	}
}

// RecordScanFailed 记录扫描失败
func (pm *PrometheusMetrics) RecordScanFailed(duration time.Duration, failureType string) {
	pm.scansTotal.WithLabelValues("failed").Inc()
	pm.scansInProgress.Dec()
	pm.scanDuration.WithLabelValues("failed").Observe(duration.Seconds())
	pm.scanFailuresTotal.WithLabelValues(failureType).Inc()
}

// RecordSplitPackage 记录分包扫描
func (pm *PrometheusMetrics) RecordSplitPackage() {
	pm.splitPackagesTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}

// UpdateQueueBacklog 更新消息队列积压数量
func (pm *PrometheusMetrics) UpdateQueueBacklog(count int) {
	pm.queueBacklog.Set(float64(count))
}

// UpdateDetectorRulesCount 更新检测规则数量
func (pm *PrometheusMetrics) UpdateDetectorRulesCount(count int) {
	pm.detectorRulesTotal.Set(float64(count))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试成功
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
