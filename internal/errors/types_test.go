package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifyError(t *testing.T) {
	err := NewVerifyError(ErrorTypeNetwork, StepReadProof, "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityMedium, err.Severity)
	assert.Equal(t, "NETWORK_FAILURE", err.Code)
	assert.Equal(t, StepReadProof, err.Step)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSystem, StepUnknown, "包装错误")

	assert.Equal(t, ErrorTypeSystem, wrappedErr.Type)
	assert.Equal(t, "SYSTEM_ERROR", wrappedErr.Code)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
}

func TestVerifyError_Error(t *testing.T) {
	err := NewValidationError(StepEncode, "测试消息")
	assert.Equal(t, "[VALIDATION_FAILED@encode] 测试消息", err.Error())

	wrapped := NewNetworkError(StepBlockHash, "测试消息", errors.New("原始错误"))
	assert.Equal(t, "[NETWORK_FAILURE@block_hash] 测试消息: 原始错误", wrapped.Error())
}

func TestVerifyError_Unwrap(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := NewProofUnavailableError("证明不可用", originalErr)

	assert.Equal(t, originalErr, wrappedErr.Unwrap())
	assert.True(t, errors.Is(wrappedErr, originalErr))

	standaloneErr := NewValidationError(StepSign, "独立错误")
	assert.Nil(t, standaloneErr.Unwrap())
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeResolution, false},
		{ErrorTypeNotFound, true},
		{ErrorTypeProofUnavailable, true},
		{ErrorTypeCallReverted, false},
		{ErrorTypeEstimation, false},
		{ErrorTypeNetwork, true},
		{ErrorTypeSubmissionRejected, true},
		{ErrorTypeValidation, false},
		{ErrorTypeConfig, false},
		{ErrorTypeCancelled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := NewNetworkError(StepReceipt, "回执等待失败", errors.New("eof")).WithRetryable(false)
	assert.False(t, err.IsRetryable())
}

func TestCallRevertedCarriesReason(t *testing.T) {
	err := NewCallRevertedError(StepReceipt, "proof verification failed", nil)

	assert.Equal(t, "proof verification failed", RevertReason(err))
	assert.Contains(t, err.Error(), "proof verification failed")

	wrapped := fmt.Errorf("外层: %w", err)
	assert.Equal(t, "proof verification failed", RevertReason(wrapped))
	assert.Equal(t, ErrorTypeCallReverted, KindOf(wrapped))
	assert.Equal(t, StepReceipt, StepOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorTypeSystem, KindOf(errors.New("plain")))
	assert.Equal(t, StepUnknown, StepOf(errors.New("plain")))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeNetwork))
	assert.True(t, IsType(NewResolutionError("bad", nil), ErrorTypeResolution))
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "ProofUnavailableError", ErrorTypeProofUnavailable.String())
	assert.Equal(t, "SubmissionRejected", ErrorTypeSubmissionRejected.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats()

	stats.RecordError(NewNetworkError(StepReadProof, "a", nil).WithComponent("relay"))
	stats.RecordError(NewNetworkError(StepReadProof, "b", nil).WithComponent("relay"))
	stats.RecordError(NewEstimationError("bad proof", nil).WithComponent("submitter"))

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType["NetworkFailure"])
	assert.Equal(t, 2, stats.ErrorsByStep[StepReadProof])
	assert.Equal(t, 1, stats.ErrorsByComponent["submitter"])
	assert.Equal(t, "EstimationError", stats.LastError.Type.String())
	assert.Greater(t, stats.GetErrorRate(0), -1.0)
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	handler := NewErrorHandler(logger)

	var seen []*VerifyError
	handler.AddCallback(func(err *VerifyError) {
		seen = append(seen, err)
	})

	got := handler.HandleError(context.Background(), errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, ErrorTypeSystem, got.Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got = handler.HandleError(ctx, context.Canceled)
	assert.Equal(t, ErrorTypeCancelled, got.Type)

	assert.Nil(t, handler.HandleError(context.Background(), nil))

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Len(t, seen, 2)

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}
