package models

import (
	"time"
)

// SubmissionState 提交状态机
type SubmissionState string

const (
	StateBuilt         SubmissionState = "built"
	StateGasEstimated  SubmissionState = "gas_estimated"
	StateSigned        SubmissionState = "signed"
	StateSubmitted     SubmissionState = "submitted"
	StateConfirmed     SubmissionState = "confirmed"
	StateReverted      SubmissionState = "reverted"
	StateNetworkFailed SubmissionState = "network_failed"
)

// Terminal 是否终态
func (s SubmissionState) Terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateNetworkFailed:
		return true
	default:
		return false
	}
}

// ResultStatus 一次验证尝试的最终结果
type ResultStatus string

const (
	ResultConfirmed ResultStatus = "confirmed"
	ResultReverted  ResultStatus = "reverted"
	ResultFailed    ResultStatus = "failed"
	ResultDryRun    ResultStatus = "dry_run"
)

// VerificationResult 验证尝试结果
type VerificationResult struct {
	AttemptID    string            `json:"attempt_id"`
	Query        string            `json:"query"`
	Account      string            `json:"account"`
	Status       ResultStatus      `json:"status"`
	State        SubmissionState   `json:"state,omitempty"`
	Key          StorageKey        `json:"key,omitempty"`
	Block        *BlockReference   `json:"block,omitempty"`
	Call         *VerificationCall `json:"call,omitempty"`
	TxHash       string            `json:"tx_hash,omitempty"`
	GasUsed      uint64            `json:"gas_used,omitempty"`
	ReceiptBlock uint64            `json:"receipt_block,omitempty"`
	FailedStep   string            `json:"failed_step,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Error        string            `json:"error,omitempty"`
	RevertReason string            `json:"revert_reason,omitempty"`
	Attempts     int               `json:"attempts"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	Duration     time.Duration     `json:"duration"`
}

// Succeeded 是否验证成功
func (r *VerificationResult) Succeeded() bool {
	return r.Status == ResultConfirmed || r.Status == ResultDryRun
}

// ToKafkaMessage 转换为Kafka消息格式
func (r *VerificationResult) ToKafkaMessage() map[string]interface{} {
	msg := map[string]interface{}{
		"attempt_id":  r.AttemptID,
		"query":       r.Query,
		"account":     r.Account,
		"status":      string(r.Status),
		"state":       string(r.State),
		"key":         r.Key.Hex(),
		"tx_hash":     r.TxHash,
		"gas_used":    r.GasUsed,
		"attempts":    r.Attempts,
		"start_time":  r.StartTime.Unix(),
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Block != nil {
		msg["block_number"] = r.Block.Number
		msg["block_hash"] = r.Block.Hash.Hex()
	}
	if r.FailedStep != "" {
		msg["failed_step"] = r.FailedStep
		msg["error_kind"] = r.ErrorKind
		msg["error"] = r.Error
	}
	if r.RevertReason != "" {
		msg["revert_reason"] = r.RevertReason
	}
	return msg
}

// BatchResult 批量验证统计
type BatchResult struct {
	Total     int                   `json:"total"`
	Confirmed int                   `json:"confirmed"`
	Reverted  int                   `json:"reverted"`
	Failed    int                   `json:"failed"`
	Results   []*VerificationResult `json:"results"`
	StartTime time.Time             `json:"start_time"`
	Duration  time.Duration         `json:"duration"`
}

// Add 累计单个结果
func (b *BatchResult) Add(r *VerificationResult) {
	b.Total++
	switch r.Status {
	case ResultConfirmed, ResultDryRun:
		b.Confirmed++
	case ResultReverted:
		b.Reverted++
	default:
		b.Failed++
	}
	b.Results = append(b.Results, r)
}
