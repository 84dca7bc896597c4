package submit

import (
	"context"
	"math/big"

	"relayverify/internal/errors"
	"relayverify/internal/execution"
	"relayverify/internal/validation"
	"relayverify/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Attempt 一次提交尝试，State 记录已到达的状态
type Attempt struct {
	State      models.SubmissionState
	Call       *models.VerificationCall
	Submission *execution.Submission
	Outcome    *execution.Outcome
}

// StateFunc 状态变化回调
type StateFunc func(state models.SubmissionState)

// Submitter 将证明三元组编码、签名并提交到验证合约
type Submitter struct {
	client    *execution.Client
	nonces    *execution.NonceManager
	validator *validation.Validator
	logger    *logrus.Logger
	dryRun    bool

	onState StateFunc
}

// Options 提交器选项
type Options struct {
	DryRun bool
}

// NewSubmitter 创建提交器，nonces 需在同一账户的所有提交器间共享
func NewSubmitter(client *execution.Client, nonces *execution.NonceManager, validator *validation.Validator,
	logger *logrus.Logger, opts Options) *Submitter {
	return &Submitter{
		client:    client,
		nonces:    nonces,
		validator: validator,
		logger:    logger,
		dryRun:    opts.DryRun,
	}
}

// OnState 注册状态变化回调
func (s *Submitter) OnState(fn StateFunc) {
	s.onState = fn
}

// DryRun 是否只构建不签名
func (s *Submitter) DryRun() bool {
	return s.dryRun
}

func (s *Submitter) enter(a *Attempt, state models.SubmissionState) {
	a.State = state
	if s.onState != nil {
		s.onState(state)
	}
}

// Submit 编码 -> 并发读取 gas/价格 -> 分配 nonce、签名、广播
//
// 返回的 Attempt 在出错时也不为 nil，State 表示失败前到达的状态。
// nonce 只在 gas 估算成功后、账户锁内分配，广播成功才消耗；
// 被节点拒绝或广播结果不确定时重置该账户的 nonce 计数。
func (s *Submitter) Submit(ctx context.Context, triple *models.ProofTriple, account *execution.Account) (*Attempt, error) {
	attempt := &Attempt{}

	if result := s.validator.ValidateTriple(triple); !result.Valid {
		return attempt, result.Err()
	}

	data, err := s.client.EncodeCall(execution.MethodVerifyEntry,
		triple.Block.Number, triple.ReadProof(), []byte(triple.Key))
	if err != nil {
		return attempt, err
	}
	attempt.Call = &models.VerificationCall{
		To:   s.client.Verifier(),
		Data: data,
	}
	s.enter(attempt, models.StateBuilt)

	if err := s.estimate(ctx, attempt, account); err != nil {
		return attempt, err
	}
	s.enter(attempt, models.StateGasEstimated)

	if s.dryRun {
		s.logger.WithFields(logrus.Fields{
			"block":     triple.Block.String(),
			"gas":       attempt.Call.Gas,
			"gas_price": attempt.Call.GasPrice.String(),
			"nonce":     attempt.Call.Nonce,
		}).Info("试运行模式，跳过签名和广播")
		return attempt, nil
	}

	err = s.nonces.Use(ctx, account.Address(), func(nonce uint64) error {
		attempt.Call.Nonce = nonce
		checked := s.validator.ValidateCall(attempt.Call)
		if !checked.Valid {
			return checked.Err()
		}
		for _, w := range checked.Warnings {
			s.logger.Warn(w)
		}

		sub, err := s.client.SignAndSubmit(ctx, attempt.Call, account)
		if err != nil {
			return err
		}
		attempt.Submission = sub
		return nil
	})
	if err != nil {
		switch {
		case errors.IsType(err, errors.ErrorTypeSubmissionRejected):
			s.nonces.Reset(account.Address())
		case errors.StepOf(err) == errors.StepSubmit && errors.IsType(err, errors.ErrorTypeNetwork):
			// 广播结果不确定，下次从节点重新读取
			s.nonces.Reset(account.Address())
		}
		return attempt, err
	}
	s.enter(attempt, models.StateSigned)
	s.enter(attempt, models.StateSubmitted)

	return attempt, nil
}

// estimate 并发读取 gas 价格和 gas 估算，试运行时同时读取节点 pending nonce
func (s *Submitter) estimate(ctx context.Context, attempt *Attempt, account *execution.Account) error {
	var (
		gasPrice *big.Int
		nonce    uint64
		gas      uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		price, err := s.client.GasPrice(gctx)
		if err != nil {
			return err
		}
		gasPrice = price
		return nil
	})
	if s.dryRun {
		g.Go(func() error {
			n, err := s.client.Nonce(gctx, account.Address())
			if err != nil {
				return err
			}
			nonce = n
			return nil
		})
	}
	g.Go(func() error {
		estimated, err := s.client.EstimateGas(gctx, account.Address(), attempt.Call.Data)
		if err != nil {
			return err
		}
		gas = estimated
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	attempt.Call.GasPrice = gasPrice
	attempt.Call.Nonce = nonce
	attempt.Call.Gas = gas
	return nil
}

// Wait 等待交易结果，Reverted 为终态，不会自动重新提交
func (s *Submitter) Wait(ctx context.Context, attempt *Attempt) *execution.Outcome {
	if attempt.Submission == nil {
		return nil
	}
	outcome := attempt.Submission.Wait(ctx)
	attempt.Outcome = outcome
	s.enter(attempt, outcome.State)
	return outcome
}
