package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQConfig RabbitMQ 连接配置
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// RabbitMQ RabbitMQ 客户端，持有扫描任务队列的连接与通道
type RabbitMQ struct {
	config        *RabbitMQConfig
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	queueName     string
	reconnect     chan bool
	maxRetries    int
	prefetchCount int // 预取数量，应与 worker 数量匹配

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建 RabbitMQ 客户端
// prefetchCount 决定未确认消息的上限，与扫描 worker 数量保持一致
func NewRabbitMQ(config *RabbitMQConfig, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:        config,
		logger:        logger,
		queueName:     queueName,
		reconnect:     make(chan bool, 10), // 有缓冲，避免信号丢失
		maxRetries:    10,
		prefetchCount: prefetchCount,
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// connect 建立连接、声明持久化队列并设置 QoS
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		mq.config.User,
		mq.config.Password,
		mq.config.Host,
		mq.config.Port,
		mq.config.VHost,
	)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	mq.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	mq.channel = ch

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// 持久化队列：broker 重启后扫描任务不丢失
	_, err = ch.QueueDeclare(
		mq.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.connNotify = make(chan *amqp.Error, 1)
	mq.channelNotify = make(chan *amqp.Error, 1)
	mq.conn.NotifyClose(mq.connNotify)
	mq.channel.NotifyClose(mq.channelNotify)

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"heartbeat":      mq.config.Heartbeat,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 启动连接监听器（持续监听，直到主动关闭）
// 同时监听 Connection 和 Channel 关闭事件
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			select {
			case err, ok := <-connNotify:
				if !ok && mq.isClosed() {
					return
				}
				if err != nil {
					mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
				} else {
					mq.logger.Warn("RabbitMQ connection closed")
				}
				mq.triggerReconnect()

			case err, ok := <-channelNotify:
				if !ok && mq.isClosed() {
					return
				}
				if err != nil {
					mq.logger.WithError(err).Error("RabbitMQ channel closed unexpectedly")
				} else {
					mq.logger.Warn("RabbitMQ channel closed")
				}
				mq.triggerReconnect()
			}
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
		mq.logger.Debug("Reconnect signal sent")
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 重新连接，带线性退避
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for retries := 0; retries < mq.maxRetries; retries++ {
		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", retries+1, mq.maxRetries)

		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Error("Failed to reconnect")
			time.Sleep(time.Duration(retries+1) * time.Second)
			continue
		}

		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// currentChannel 读取当前通道，重连期间可能为 nil
func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, fmt.Errorf("channel is nil")
	}
	return mq.channel, nil
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 消费消息（手动确认）
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		mq.queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return msgs, nil
}

// GetQueueStats 获取队列消息数与消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, 0, err
	}

	queue, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}

	return queue.Messages, queue.Consumers, nil
}

// PurgeQueue 清空队列中的所有消息
// 服务启动时调用，随后按数据库状态重新入队，保证队列与数据库一致
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}

	count, err := ch.QueuePurge(mq.queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.queueName,
		"purged_count": count,
	}).Info("Queue purged successfully")

	return count, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	conn := mq.conn
	ch := mq.channel
	mq.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}
