package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 间隔上限
	Strategy        Strategy
	Timeout         time.Duration // 所有尝试的总超时
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置：指数退避，3次尝试
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         5 * time.Minute,
		Logger:          logrus.New(),
	}
}

// RetryableError 可重试错误接口
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	error
	retryable bool
}

func (e *retryableError) IsRetryable() bool {
	return e.retryable
}

// NewRetryableError 标记错误为可重试
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 标记错误为不可重试
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
// 未标记的错误默认可重试，上下文取消与超时除外
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		startTime := time.Now()
		err := fn(ctx)
		duration := time.Since(startTime)

		if err == nil {
			if attempt > 1 {
				config.Logger.WithFields(logrus.Fields{
					"attempt":  attempt,
					"duration": duration,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		config.Logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      config.MaxAttempts,
			"duration": duration,
			"error":    err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			config.Logger.WithError(err).Warn("Error is not retryable, aborting")
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		interval = calculateNextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)

		config.Logger.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         interval,
		}).Info("Waiting before retry")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// calculateNextInterval 计算第 attempt 次失败后的等待间隔
func calculateNextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var next time.Duration
	switch strategy {
	case StrategyFixed:
		next = initial

	case StrategyLinear:
		next = initial * time.Duration(attempt)

	case StrategyExponential:
		// 移位上限防止溢出，超出后由 max 截断
		shift := attempt - 1
		if shift > 16 {
			shift = 16
		}
		next = initial * time.Duration(1<<shift)

	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	return result, err
}
