package execution

import (
	"context"
	"fmt"
	"time"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// 连续查询回执失败的上限
const maxReceiptErrors = 5

// Submission 已广播交易的句柄，交易只能使用一次
type Submission struct {
	client      *Client
	tx          *types.Transaction
	from        common.Address
	call        models.VerificationCall
	submittedAt time.Time
}

// Outcome 交易最终结果
type Outcome struct {
	State        models.SubmissionState
	TxHash       common.Hash
	Receipt      *types.Receipt
	RevertReason string
	Err          error
	Elapsed      time.Duration
}

// Hash 交易哈希
func (s *Submission) Hash() common.Hash {
	return s.tx.Hash()
}

// Transaction 已签名交易
func (s *Submission) Transaction() *types.Transaction {
	return s.tx
}

// Call 交易对应的调用参数
func (s *Submission) Call() models.VerificationCall {
	return s.call
}

// Wait 轮询回执直到确认、回滚或失败
func (s *Submission) Wait(ctx context.Context) *Outcome {
	c := s.client
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}

	hash := s.tx.Hash()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return s.outcomeFromReceipt(ctx, receipt)
		case err == nil, errors.Is(err, ethereum.NotFound):
			failures = 0
		case ctx.Err() == nil:
			failures++
			c.logger.WithError(err).WithFields(logrus.Fields{
				"tx_hash":  hash.Hex(),
				"failures": failures,
			}).Warn("查询交易回执失败")
			if failures >= maxReceiptErrors {
				return s.networkFailed(errors.NewNetworkError(errors.StepReceipt,
					fmt.Sprintf("连续 %d 次查询回执失败", failures), err))
			}
		}

		select {
		case <-ctx.Done():
			return s.networkFailed(errors.NewNetworkError(errors.StepReceipt, "等待交易回执超时或被取消", ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (s *Submission) outcomeFromReceipt(ctx context.Context, receipt *types.Receipt) *Outcome {
	outcome := &Outcome{
		TxHash:  receipt.TxHash,
		Receipt: receipt,
		Elapsed: time.Since(s.submittedAt),
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		outcome.State = models.StateConfirmed
		s.client.logger.WithFields(logrus.Fields{
			"tx_hash":  receipt.TxHash.Hex(),
			"block":    receipt.BlockNumber,
			"gas_used": receipt.GasUsed,
		}).Info("验证交易已确认")
		return outcome
	}

	outcome.State = models.StateReverted
	outcome.RevertReason = s.replayRevert(ctx, receipt)
	outcome.Err = errors.NewCallRevertedError(errors.StepReceipt, outcome.RevertReason, nil).
		WithComponent(component).
		WithTxHash(receipt.TxHash.Hex())
	s.client.logger.WithFields(logrus.Fields{
		"tx_hash": receipt.TxHash.Hex(),
		"block":   receipt.BlockNumber,
		"reason":  outcome.RevertReason,
	}).Warn("验证交易已回滚")
	return outcome
}

// replayRevert 在回执所在区块重放调用以取得回滚原因
func (s *Submission) replayRevert(ctx context.Context, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:     s.from,
		To:       s.tx.To(),
		Gas:      s.tx.Gas(),
		GasPrice: s.tx.GasPrice(),
		Data:     s.tx.Data(),
	}
	_, err := s.client.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return "execution reverted"
	}
	if reason, ok := s.client.revertReason(ctx, err); ok {
		return reason
	}
	return err.Error()
}

func (s *Submission) networkFailed(err *errors.VerifyError) *Outcome {
	// 交易已广播，重新提交可能重复上链
	err.WithComponent(component).WithTxHash(s.tx.Hash().Hex()).WithRetryable(false)
	return &Outcome{
		State:   models.StateNetworkFailed,
		TxHash:  s.tx.Hash(),
		Err:     err,
		Elapsed: time.Since(s.submittedAt),
	}
}
