package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 中继链相关错误
	ErrorTypeResolution ErrorType = iota
	ErrorTypeNotFound
	ErrorTypeProofUnavailable

	// 执行层相关错误
	ErrorTypeCallReverted
	ErrorTypeEstimation
	ErrorTypeSubmissionRejected

	// 传输错误
	ErrorTypeNetwork

	// 本地错误
	ErrorTypeValidation
	ErrorTypeConfig
	ErrorTypeCancelled
	ErrorTypeStorage
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Step 工作流步骤
type Step string

const (
	StepResolveKey  Step = "resolve_key"
	StepLatestBlock Step = "latest_block"
	StepBlockHash   Step = "block_hash"
	StepReadProof   Step = "read_proof"
	StepEncode      Step = "encode"
	StepGasEstimate Step = "gas_estimate"
	StepSign        Step = "sign"
	StepSubmit      Step = "submit"
	StepReceipt     Step = "receipt"
	StepUnknown     Step = "unknown"
)

// VerifyError 验证流程错误
type VerifyError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Step        Step                   `json:"step"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *VerifyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s@%s] %s: %v", e.Code, e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s@%s] %s", e.Code, e.Step, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *VerifyError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *VerifyError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *VerifyError) WithContext(key string, value interface{}) *VerifyError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加中继链区块号
func (e *VerifyError) WithBlockNumber(blockNumber uint64) *VerifyError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *VerifyError) WithTxHash(txHash string) *VerifyError {
	e.TxHash = &txHash
	return e
}

// WithStep 设置出错步骤
func (e *VerifyError) WithStep(step Step) *VerifyError {
	e.Step = step
	return e
}

// WithComponent 设置出错组件
func (e *VerifyError) WithComponent(component string) *VerifyError {
	e.Component = component
	return e
}

// WithRetryable 覆盖默认的可重试判定
func (e *VerifyError) WithRetryable(retryable bool) *VerifyError {
	e.Retryable = retryable
	return e
}

// NewVerifyError 创建新的错误
func NewVerifyError(errorType ErrorType, step Step, message string) *VerifyError {
	return &VerifyError{
		Type:      errorType,
		Severity:  defaultSeverity(errorType),
		Code:      defaultCode(errorType),
		Step:      step,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, step Step, message string) *VerifyError {
	e := NewVerifyError(errorType, step, message)
	e.Cause = err
	return e
}

// NewResolutionError 存储键解析失败（不可重试）
func NewResolutionError(message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeResolution, StepResolveKey, message)
}

// NewNotFoundError 区块不存在或已被裁剪
func NewNotFoundError(step Step, message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeNotFound, step, message)
}

// NewProofUnavailableError 状态证明不可用，只能用更新的区块重试
func NewProofUnavailableError(message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeProofUnavailable, StepReadProof, message)
}

// NewCallRevertedError 合约调用被回滚，Context["reason"] 携带回滚原因
func NewCallRevertedError(step Step, reason string, cause error) *VerifyError {
	e := WrapError(cause, ErrorTypeCallReverted, step, "合约调用被回滚")
	if reason != "" {
		e.WithContext("reason", reason)
		e.Message = fmt.Sprintf("合约调用被回滚: %s", reason)
	}
	return e
}

// NewEstimationError Gas估算失败
func NewEstimationError(reason string, cause error) *VerifyError {
	e := WrapError(cause, ErrorTypeEstimation, StepGasEstimate, "Gas估算失败")
	if reason != "" {
		e.WithContext("reason", reason)
		e.Message = fmt.Sprintf("Gas估算失败: %s", reason)
	}
	return e
}

// NewNetworkError 网络传输错误
func NewNetworkError(step Step, message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeNetwork, step, message)
}

// NewSubmissionRejectedError 交易在打包前被拒绝
func NewSubmissionRejectedError(message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeSubmissionRejected, StepSubmit, message)
}

// NewValidationError 参数校验失败
func NewValidationError(step Step, message string) *VerifyError {
	return NewVerifyError(ErrorTypeValidation, step, message)
}

// NewConfigError 配置错误
func NewConfigError(message string, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeConfig, StepUnknown, message)
}

// NewCancelledError 流程被取消
func NewCancelledError(step Step, cause error) *VerifyError {
	return WrapError(cause, ErrorTypeCancelled, step, "流程已取消")
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork:
		return true
	case ErrorTypeNotFound, ErrorTypeProofUnavailable:
		// 只能基于更新的区块引用重试
		return true
	case ErrorTypeSubmissionRejected:
		// 刷新nonce后重试
		return true
	default:
		return false
	}
}

func defaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeNotFound, ErrorTypeProofUnavailable, ErrorTypeCancelled:
		return SeverityMedium
	case ErrorTypeConfig:
		return SeverityCritical
	case ErrorTypeValidation:
		return SeverityLow
	default:
		return SeverityHigh
	}
}

func defaultCode(errorType ErrorType) string {
	if code, ok := errorCodes[errorType]; ok {
		return code
	}
	return "UNKNOWN_ERROR"
}

var errorCodes = map[ErrorType]string{
	ErrorTypeResolution:         "RESOLUTION_ERROR",
	ErrorTypeNotFound:           "NOT_FOUND",
	ErrorTypeProofUnavailable:   "PROOF_UNAVAILABLE",
	ErrorTypeCallReverted:       "CALL_REVERTED",
	ErrorTypeEstimation:         "ESTIMATION_ERROR",
	ErrorTypeSubmissionRejected: "SUBMISSION_REJECTED",
	ErrorTypeNetwork:            "NETWORK_FAILURE",
	ErrorTypeValidation:         "VALIDATION_FAILED",
	ErrorTypeConfig:             "CONFIG_INVALID",
	ErrorTypeCancelled:          "CANCELLED",
	ErrorTypeStorage:            "STORAGE_FAILED",
	ErrorTypeSystem:             "SYSTEM_ERROR",
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeResolution:         "ResolutionError",
	ErrorTypeNotFound:           "NotFoundError",
	ErrorTypeProofUnavailable:   "ProofUnavailableError",
	ErrorTypeCallReverted:       "CallRevertedError",
	ErrorTypeEstimation:         "EstimationError",
	ErrorTypeSubmissionRejected: "SubmissionRejected",
	ErrorTypeNetwork:            "NetworkFailure",
	ErrorTypeValidation:         "ValidationError",
	ErrorTypeConfig:             "ConfigError",
	ErrorTypeCancelled:          "Cancelled",
	ErrorTypeStorage:            "StorageError",
	ErrorTypeSystem:             "SystemError",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// As 同标准库 errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is 同标准库 errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// New 同标准库 errors.New
func New(text string) error {
	return stderrors.New(text)
}

// AsVerifyError 从错误链中提取VerifyError
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if stderrors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// KindOf 返回错误链中的错误类型，非VerifyError归为SystemError
func KindOf(err error) ErrorType {
	if ve, ok := AsVerifyError(err); ok {
		return ve.Type
	}
	return ErrorTypeSystem
}

// StepOf 返回出错步骤
func StepOf(err error) Step {
	if ve, ok := AsVerifyError(err); ok && ve.Step != "" {
		return ve.Step
	}
	return StepUnknown
}

// IsType 判断错误链中是否包含指定类型
func IsType(err error, errorType ErrorType) bool {
	ve, ok := AsVerifyError(err)
	return ok && ve.Type == errorType
}

// RevertReason 返回回滚原因（如果有）
func RevertReason(err error) string {
	ve, ok := AsVerifyError(err)
	if !ok || ve.Context == nil {
		return ""
	}
	if reason, ok := ve.Context["reason"].(string); ok {
		return reason
	}
	return ""
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByStep      map[Step]int   `json:"errors_by_step"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*VerifyError `json:"recent_errors"`
	LastError         *VerifyError   `json:"last_error"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByStep:      make(map[Step]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*VerifyError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *VerifyError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	es.ErrorsByStep[err.Step]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
