package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ScanHandler 扫描任务处理函数
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// Consumer 消息消费者，按 worker 池并行处理扫描任务
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       ScanHandler
	workerPool    int
	stopChan      chan struct{}
	workerWg      sync.WaitGroup
	activeWorkers int32
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler ScanHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}

	return &Consumer{
		mq:         mq,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
		stopChan:   make(chan struct{}, 1),
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Infof("Starting consumer with %d workers", c.workerPool)

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.Info("Consumer started successfully")

	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)

	return nil
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	c.logger.Infof("Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("Worker %d stopped by context", id)
			return
		case <-c.stopChan:
			c.logger.Infof("Worker %d stopped by signal", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}

			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg ScanMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false) // 消息格式错误，不重新入队
		return
	}

	c.logger.WithFields(logrus.Fields{
		"worker_id":    workerID,
		"scan_id":      msg.ScanID,
		"package_name": msg.PackageName,
	}).Info("Processing scan task")

	if err := c.handler(ctx, &msg); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"worker_id": workerID,
			"scan_id":   msg.ScanID,
		}).Error("Scan task processing failed")

		// 失败结果已写入数据库，重试由 requeue 流程负责，不在 broker 层重新入队
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}

	c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
		"duration":  time.Since(startTime).Seconds(),
	}).Info("Scan task completed")
}

// handleReconnect 处理重连
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				c.logger.Info("Reconnect channel closed, stopping reconnect handler")
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")

			// 停止当前所有 worker，等待在途任务完成
			c.stopWorkers()

			if err := c.mq.Reconnect(); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}

			if err := c.restart(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker（最多等待 30 秒）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// restart 重连后重新启动消费
func (c *Consumer) restart(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	return c.Start(ctx)
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")

	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false
	c.mu.Unlock()

	select {
	case c.stopChan <- struct{}{}:
	default:
	}

	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 获取活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
