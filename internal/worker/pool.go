package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Pool 扫描 Worker 池
type Pool struct {
	workers      int
	jobChan      chan *ScanJob
	orchestrator *Orchestrator
	logger       *logrus.Logger
	wg           sync.WaitGroup
	active       int32
}

// ScanJob 扫描作业
type ScanJob struct {
	ID          string
	PackagePath string
	resultCh    chan error // 用于同步等待作业完成
}

// NewPool 创建 Worker 池
func NewPool(workers int, orchestrator *Orchestrator, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers:      workers,
		jobChan:      make(chan *ScanJob, 100),
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Job channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id":    id,
				"scan_id":      job.ID,
				"package_path": job.PackagePath,
			}).Info("Processing scan job")

			atomic.AddInt32(&p.active, 1)
			err := p.orchestrator.ExecuteScan(ctx, job.ID, job.PackagePath)
			atomic.AddInt32(&p.active, -1)

			if err != nil {
				if retryErr, ok := IsRetryableError(err); ok {
					p.logger.WithFields(logrus.Fields{
						"worker_id":   id,
						"scan_id":     retryErr.ScanID,
						"retry_count": retryErr.RetryCount,
						"max_retry":   retryErr.MaxRetry,
					}).Warn("🔄 Scan failed and reset for retry (will be re-published to queue)")
				} else {
					p.logger.WithError(err).WithFields(logrus.Fields{
						"worker_id": id,
						"scan_id":   job.ID,
					}).Error("Scan execution failed")
				}
			} else {
				p.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"scan_id":   job.ID,
				}).Info("Scan job completed")
			}

			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// Submit 提交作业（异步，不等待结果）
func (p *Pool) Submit(job *ScanJob) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("scan_id", job.ID).Debug("Scan job submitted to pool")
		return nil
	default:
		return fmt.Errorf("scan job queue is full")
	}
}

// SubmitAndWait 提交作业并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *ScanJob) error {
	job.resultCh = make(chan error, 1)

	select {
	case p.jobChan <- job:
		p.logger.WithField("scan_id", job.ID).Debug("Scan job submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.jobChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Stats 返回池大小、活跃 worker 数与排队作业数
func (p *Pool) Stats() (size, active, queued int) {
	return p.workers, int(atomic.LoadInt32(&p.active)), len(p.jobChan)
}
