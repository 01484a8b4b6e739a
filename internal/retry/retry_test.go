package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/devicelock/devicelock-agent/internal/config"
	"github.com/devicelock/devicelock-agent/internal/platform"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) *Config {
	c := DefaultConfig()
	c.MaxAttempts = attempts
	c.InitialInterval = time.Millisecond
	c.Logger.SetOutput(io.Discard)
	return c
}

// TestDo_Success 测试第一次就成功的情况
func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts, "Should succeed on first attempt")
}

// TestDo_SuccessAfterRetries 测试重试后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("device policy service not ready")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_MaxAttemptsReached 测试达到最大尝试次数
func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
}

func TestDo_PermissionDeniedIsFinal(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("SetUserRestriction: %w", platform.ErrPermissionDenied)
	})

	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "non-retryable")
}

// TestDo_ContextCanceled 测试上下文取消
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := fastConfig(10)
	c.InitialInterval = 50 * time.Millisecond
	c.Strategy = StrategyFixed
	attempts := 0

	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, c, func(ctx context.Context) error {
		attempts++
		return errors.New("slow operation")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Less(t, attempts, 10, "Should stop before max attempts")
}

// TestDo_Timeout 测试超时
func TestDo_Timeout(t *testing.T) {
	c := fastConfig(50)
	c.Timeout = 100 * time.Millisecond
	c.InitialInterval = 30 * time.Millisecond
	c.Strategy = StrategyFixed
	attempts := 0

	err := Do(context.Background(), c, func(ctx context.Context) error {
		attempts++
		return errors.New("still booting")
	})

	assert.Error(t, err)
	assert.Less(t, attempts, 50, "Should stop due to timeout")
}

func TestDo_ExplicitRetryability(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		return NewNonRetryableError(errors.New("corrupt asset"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return NewRetryableError(fmt.Errorf("wrapped: %w", platform.ErrPermissionDenied))
	})
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.Equal(t, 3, attempts, "explicit marking wins over the default")
}

func TestCalculateNextInterval(t *testing.T) {
	for _, tc := range []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyFixed, 3, time.Second},
		{StrategyLinear, 3, 3 * time.Second},
		{StrategyExponential, 1, time.Second},
		{StrategyExponential, 2, 2 * time.Second},
		{StrategyExponential, 3, 2 * time.Second}, // capped
	} {
		t.Run(fmt.Sprintf("%s-%d", tc.strategy, tc.attempt), func(t *testing.T) {
			max := 2 * time.Second
			if tc.strategy == StrategyLinear {
				max = 0
			}
			assert.Equal(t, tc.want, calculateNextInterval(tc.strategy, time.Second, max, tc.attempt))
		})
	}
}

func TestFromBoot(t *testing.T) {
	logger := logrus.New()
	c := FromBoot(config.BootConfig{MaxAttempts: 7, InitialIntervalMS: 250}, logger)
	assert.Equal(t, 7, c.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, c.InitialInterval)
	assert.Same(t, logger, c.Logger)

	d := FromBoot(config.BootConfig{}, nil)
	assert.Equal(t, DefaultConfig().MaxAttempts, d.MaxAttempts)
	assert.Equal(t, time.Second, d.InitialInterval)
}

func TestIsRetryable_DefaultBehavior(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"permission denied", fmt.Errorf("x: %w", platform.ErrPermissionDenied), false},
		{"unsupported", platform.ErrUnsupported, false},
		{"generic", errors.New("adb: device offline"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
