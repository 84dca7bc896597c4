package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"relayverify/internal/errors"

	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts" json:"max_attempts"`                 // 最大尝试次数（含首次）
	InitialInterval     time.Duration `mapstructure:"initial_interval" json:"initial_interval"`         // 初始重试间隔
	MaxInterval         time.Duration `mapstructure:"max_interval" json:"max_interval"`                 // 最大重试间隔
	BackoffFactor       float64       `mapstructure:"backoff_factor" json:"backoff_factor"`             // 退避因子
	RandomizationFactor float64       `mapstructure:"randomization_factor" json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `mapstructure:"enable_jitter" json:"enable_jitter"`               // 启用抖动
}

// DefaultRetryConfig 验证流程默认重试配置
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     2 * time.Second,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// NetworkRetryConfig 建立连接时的重试配置
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// RetryableError 可重试错误接口，errors.VerifyError 实现了该接口
type RetryableError interface {
	error
	IsRetryable() bool
}

// 未分类错误中视为临时故障的信息
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsRetryableError 判断是否可重试：带分类的错误按分类判定，其余按网络错误信息判定
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// RetryHook 每次决定重试前调用
type RetryHook func(attempt int, err error, delay time.Duration)

// Retrier 重试器，可在多个 goroutine 间共享
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	onRetry RetryHook
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if config.MaxAttempts < 1 {
		cfg := *config
		cfg.MaxAttempts = 1
		config = &cfg
	}

	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnRetry 注册重试回调
func (r *Retrier) OnRetry(hook RetryHook) {
	r.onRetry = hook
}

// ExecuteFunc 执行函数，attempt 从 1 开始
type ExecuteFunc func(attempt int) error

// Execute 执行重试逻辑
//
// 不可重试的错误原样返回；用尽次数后返回包装了最后一次错误的错误；
// ctx 取消时返回 CancelledError。
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.NewCancelledError(errors.StepOf(lastErr), ctx.Err()).WithComponent("retry")
		default:
		}

		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		}

		if attempt == r.config.MaxAttempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Warnf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.NewCancelledError(errors.StepOf(lastErr), ctx.Err()).WithComponent("retry")
		}
	}

	return lastErr
}

// calculateDelay 计算延迟时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	// 指数退避
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))

	if delay > float64(r.config.MaxInterval) && r.config.MaxInterval > 0 {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter && r.config.RandomizationFactor > 0 {
		r.randMu.Lock()
		f := r.rand.Float64()
		r.randMu.Unlock()

		jitter := delay * r.config.RandomizationFactor
		delay = delay - jitter + f*jitter*2
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}

	return time.Duration(delay)
}

// GetConfig 获取重试配置
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}

// RetryNetworkOperation 网络操作重试
func RetryNetworkOperation(ctx context.Context, operation string, fn ExecuteFunc, logger *logrus.Logger) error {
	return NewRetrier(NetworkRetryConfig, logger).Execute(ctx, operation, fn)
}
