// Package retry re-runs transient operations, mostly boot-time policy
// reapplication racing the device policy service coming up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devicelock/devicelock-agent/internal/config"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/sirupsen/logrus"
)

// Strategy 重试策略
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
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy      // 重试策略
	Timeout         time.Duration // 总超时时间
	Logger          *logrus.Logger
}

// DefaultConfig 默认配置
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

// FromBoot builds the retry policy for boot tasks.
func FromBoot(cfg config.BootConfig, logger *logrus.Logger) *Config {
	c := DefaultConfig()
	if cfg.MaxAttempts > 0 {
		c.MaxAttempts = cfg.MaxAttempts
	}
	if d := cfg.InitialInterval(); d > 0 {
		c.InitialInterval = d
	}
	if logger != nil {
		c.Logger = logger
	}
	return c
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

func (e *retryableError) IsRetryable() bool { return e.retryable }

func (e *retryableError) Unwrap() error { return e.error }

// NewRetryableError 创建可重试错误
func NewRetryableError(err error) error {
	return &retryableError{error: err, retryable: true}
}

// NewNonRetryableError 创建不可重试错误
func NewNonRetryableError(err error) error {
	return &retryableError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试
//
// A policy call the platform refused will be refused again, so permission
// and capability errors end the loop at once.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, platform.ErrPermissionDenied),
		errors.Is(err, platform.ErrUnsupported):
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

	var cancel context.CancelFunc
	if config.Timeout > 0 {
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
					"attempt":     attempt,
					"duration_ms": duration.Milliseconds(),
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		config.Logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max":         config.MaxAttempts,
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		interval = calculateNextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)

		config.Logger.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         interval,
		}).Debug("Waiting before retry")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// calculateNextInterval 计算下一次重试间隔
func calculateNextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyFixed:
		next = initial
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}
