package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"relayverify/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"证明不可用", errors.NewProofUnavailableError("已裁剪", nil), true},
		{"网络错误", errors.NewNetworkError(errors.StepReadProof, "断开", nil), true},
		{"节点拒绝", errors.NewSubmissionRejectedError("nonce too low", nil), true},
		{"广播后网络失败", errors.NewNetworkError(errors.StepReceipt, "断开", nil).WithRetryable(false), false},
		{"合约回滚", errors.NewCallRevertedError(errors.StepLatestBlock, "paused", nil), false},
		{"估算失败", errors.NewEstimationError("invalid proof", nil), false},
		{"解析失败", errors.NewResolutionError("bad key", nil), false},
		{"包装后的分类错误", fmt.Errorf("外层: %w", errors.NewProofUnavailableError("reorg", nil)), true},
		{"未分类网络错误", fmt.Errorf("dial tcp: connection refused"), true},
		{"未分类其他错误", fmt.Errorf("boom"), false},
		{"取消", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	r := NewRetrier(fastConfig(3), quietLogger())

	var hooks []int
	r.OnRetry(func(attempt int, err error, delay time.Duration) {
		hooks = append(hooks, attempt)
	})

	calls := 0
	err := r.Execute(context.Background(), "test", func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.NewProofUnavailableError("pruned", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, hooks)
}

func TestExecuteStopsOnFatal(t *testing.T) {
	r := NewRetrier(fastConfig(5), quietLogger())

	calls := 0
	fatal := errors.NewEstimationError("invalid proof", nil)
	err := r.Execute(context.Background(), "test", func(int) error {
		calls++
		return fatal
	})
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteExhausted(t *testing.T) {
	r := NewRetrier(fastConfig(2), quietLogger())

	calls := 0
	err := r.Execute(context.Background(), "test", func(int) error {
		calls++
		return errors.NewProofUnavailableError("pruned", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, errors.ErrorTypeProofUnavailable, errors.KindOf(err))
}

func TestExecuteCancelled(t *testing.T) {
	cfg := fastConfig(3)
	cfg.InitialInterval = time.Hour
	cfg.MaxInterval = time.Hour
	r := NewRetrier(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Execute(ctx, "test", func(int) error {
		cancel()
		return errors.NewNetworkError(errors.StepReadProof, "断开", nil)
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeCancelled, errors.KindOf(err))
	assert.Equal(t, errors.StepReadProof, errors.StepOf(err))
}

func TestCalculateDelay(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		BackoffFactor:   2,
	}, quietLogger())

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, time.Second, r.calculateDelay(8))

	jittered := NewRetrier(&RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		BackoffFactor:       2,
		RandomizationFactor: 0.5,
		EnableJitter:        true,
	}, quietLogger())
	for i := 0; i < 20; i++ {
		d := jittered.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestNewRetrierMinimumAttempts(t *testing.T) {
	r := NewRetrier(&RetryConfig{}, quietLogger())
	assert.Equal(t, 1, r.GetConfig().MaxAttempts)
	assert.Equal(t, 3, NewRetrier(nil, quietLogger()).GetConfig().MaxAttempts)
}
