package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计、按严重级别记录日志、回调
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误回调
	callbacks []ErrorCallback

	// 阈值设置
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *VerifyError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: make(map[ErrorSeverity]ThresholdConfig),
	}

	eh.thresholds[SeverityLow] = ThresholdConfig{MaxErrorsPerHour: 100}
	eh.thresholds[SeverityMedium] = ThresholdConfig{MaxErrorsPerHour: 50}
	eh.thresholds[SeverityHigh] = ThresholdConfig{MaxErrorsPerHour: 20}
	eh.thresholds[SeverityCritical] = ThresholdConfig{MaxErrorsPerHour: 5}

	return eh
}

// HandleError 处理错误，返回规范化后的VerifyError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *VerifyError {
	if err == nil {
		return nil
	}

	verifyErr, ok := AsVerifyError(err)
	if !ok {
		if ctx.Err() != nil {
			verifyErr = NewCancelledError(StepUnknown, err)
		} else {
			verifyErr = WrapError(err, ErrorTypeSystem, StepUnknown, "未知错误")
		}
	}

	eh.mu.Lock()
	eh.stats.RecordError(verifyErr)
	eh.mu.Unlock()

	if eh.checkThresholds(verifyErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", verifyErr.Error())
	}

	eh.executeCallbacks(verifyErr)
	eh.logError(verifyErr)

	return verifyErr
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *VerifyError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}

	hourlyRate := eh.stats.GetErrorRate(time.Hour)
	return hourlyRate > float64(threshold.MaxErrorsPerHour)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *VerifyError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// logError 根据严重级别选择日志级别
func (eh *ErrorHandler) logError(err *VerifyError) {
	logEntry := eh.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"step":       err.Step,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"context":    err.Context,
	})
	if err.BlockNumber != nil {
		logEntry = logEntry.WithField("block_number", *err.BlockNumber)
	}
	if err.TxHash != nil {
		logEntry = logEntry.WithField("tx_hash", *err.TxHash)
	}

	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Error())
	case SeverityMedium:
		logEntry.Warn(err.Error())
	default:
		// Critical 也只记录Error，退出由调用方决定
		logEntry.Error(err.Error())
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetThreshold 设置阈值
func (eh *ErrorHandler) SetThreshold(severity ErrorSeverity, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[severity] = config
}

// GetStats 获取错误统计信息的快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := *eh.stats
	snapshot.ErrorsByType = copyCounts(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = copyCounts(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = copyCounts(eh.stats.ErrorsByComponent)
	snapshot.ErrorsByStep = make(map[Step]int, len(eh.stats.ErrorsByStep))
	for k, v := range eh.stats.ErrorsByStep {
		snapshot.ErrorsByStep[k] = v
	}
	snapshot.RecentErrors = append([]*VerifyError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
