package proof

import (
	"context"
	"fmt"
	"time"

	"relayverify/internal/errors"
	"relayverify/internal/relay"
	"relayverify/pkg/models"

	"github.com/sirupsen/logrus"
)

// State 证明组装状态
type State int

const (
	StateInit State = iota
	StateKeyResolved
	StateLatestBlockRead
	StateBlockHashResolved
	StateProofRetrieved
)

// String 状态名称
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateKeyResolved:
		return "KeyResolved"
	case StateLatestBlockRead:
		return "LatestBlockRead"
	case StateBlockHashResolved:
		return "BlockHashResolved"
	case StateProofRetrieved:
		return "ProofRetrieved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RelayReader 中继链读取能力
type RelayReader interface {
	ResolveStorageKey(ctx context.Context, q relay.QueryDescriptor) (models.StorageKey, error)
	GetBlockHash(ctx context.Context, number uint32) (models.BlockReference, error)
	GetStorageProof(ctx context.Context, keys []models.StorageKey, at models.BlockReference) (models.StorageProof, error)
}

// VerifierReader 读取验证合约已知的最新中继链区块号
type VerifierReader interface {
	LatestRelayBlockNumber(ctx context.Context) (uint32, error)
}

// TransitionFunc 状态迁移回调
type TransitionFunc func(from, to State, elapsed time.Duration)

// Assembler 按 读区块号 -> 解析哈希 -> 取证明 的顺序组装三元组
type Assembler struct {
	relay    RelayReader
	verifier VerifierReader
	logger   *logrus.Logger

	onTransition TransitionFunc
}

// NewAssembler 创建组装器
func NewAssembler(relay RelayReader, verifier VerifierReader, logger *logrus.Logger) *Assembler {
	return &Assembler{
		relay:    relay,
		verifier: verifier,
		logger:   logger,
	}
}

// OnTransition 注册状态迁移回调
func (a *Assembler) OnTransition(fn TransitionFunc) {
	a.onTransition = fn
}

// ResolveKey 第1步：解析存储键
func (a *Assembler) ResolveKey(ctx context.Context, q relay.QueryDescriptor) (models.StorageKey, error) {
	start := time.Now()
	key, err := a.relay.ResolveStorageKey(ctx, q)
	if err != nil {
		return nil, err
	}
	a.transition(StateInit, StateKeyResolved, start)
	return key, nil
}

// Assemble 完整执行四个步骤
func (a *Assembler) Assemble(ctx context.Context, q relay.QueryDescriptor) (*models.ProofTriple, error) {
	key, err := a.ResolveKey(ctx, q)
	if err != nil {
		return nil, err
	}
	return a.AssembleFromKey(ctx, key)
}

// AssembleFromKey 从第2步开始组装
func (a *Assembler) AssembleFromKey(ctx context.Context, key models.StorageKey) (*models.ProofTriple, error) {
	return a.AssembleAbove(ctx, key, 0)
}

// AssembleAbove 从第2步开始组装，重试时的入口。验证合约的区块号小于 minNumber 时
// 不解析哈希也不请求证明，直接返回 ProofUnavailableError。
// 返回的 ProofUnavailableError 总是带有出问题的区块号。
func (a *Assembler) AssembleAbove(ctx context.Context, key models.StorageKey, minNumber uint32) (*models.ProofTriple, error) {
	if len(key) == 0 {
		return nil, errors.NewValidationError(errors.StepLatestBlock, "存储键为空").WithComponent("assembler")
	}

	s := &session{key: key.Clone(), state: StateKeyResolved, minNumber: minNumber}
	for s.state != StateProofRetrieved {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelledError(s.nextStep(), err).WithComponent("assembler")
		}

		start := time.Now()
		from := s.state
		if err := a.advance(ctx, s); err != nil {
			a.logger.WithFields(logrus.Fields{
				"state": from.String(),
				"key":   s.key.Hex(),
			}).WithError(err).Debug("证明组装中断")
			if ve, ok := errors.AsVerifyError(err); ok && from >= StateLatestBlockRead &&
				ve.Type == errors.ErrorTypeProofUnavailable && ve.BlockNumber == nil {
				ve.WithBlockNumber(uint64(s.number))
			}
			return nil, err
		}
		a.transition(from, s.state, start)
	}

	triple := &models.ProofTriple{
		Block: s.block,
		Proof: s.proof,
		Key:   s.key,
	}
	a.logger.WithFields(logrus.Fields{
		"block":       triple.Block.String(),
		"proof_nodes": len(triple.Proof.Nodes),
		"key":         triple.Key.Hex(),
	}).Info("证明三元组已组装")
	return triple, nil
}

// session 单次组装尝试的状态，不跨尝试复用
type session struct {
	state     State
	key       models.StorageKey
	minNumber uint32
	number    uint32
	block     models.BlockReference
	proof     models.StorageProof
}

func (s *session) nextStep() errors.Step {
	switch s.state {
	case StateKeyResolved:
		return errors.StepLatestBlock
	case StateLatestBlockRead:
		return errors.StepBlockHash
	case StateBlockHashResolved:
		return errors.StepReadProof
	default:
		return errors.StepUnknown
	}
}

func (a *Assembler) advance(ctx context.Context, s *session) error {
	switch s.state {
	case StateKeyResolved:
		number, err := a.verifier.LatestRelayBlockNumber(ctx)
		if err != nil {
			return err
		}
		if number < s.minNumber {
			// 该区块的证明已不可用，同一区块不再请求
			return errors.NewProofUnavailableError(
				fmt.Sprintf("验证合约最新区块 %d 不晚于证明不可用的区块 %d", number, s.minNumber-1), nil).
				WithComponent("assembler").
				WithStep(errors.StepLatestBlock).
				WithBlockNumber(uint64(number))
		}
		s.number = number
		s.state = StateLatestBlockRead

	case StateLatestBlockRead:
		ref, err := a.relay.GetBlockHash(ctx, s.number)
		if err != nil {
			// 第2步读到的区块在第3步前被裁剪，只能从第2步重来
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				return errors.NewProofUnavailableError(
					fmt.Sprintf("验证合约已知区块 %d 在中继链上不可用", s.number), err).
					WithComponent("assembler").
					WithStep(errors.StepBlockHash).
					WithBlockNumber(uint64(s.number))
			}
			return err
		}
		if ref.Number != s.number {
			return errors.NewProofUnavailableError(
				fmt.Sprintf("区块号不一致: 请求 %d，返回 %d", s.number, ref.Number), nil).
				WithComponent("assembler").
				WithStep(errors.StepBlockHash)
		}
		s.block = ref
		s.state = StateBlockHashResolved

	case StateBlockHashResolved:
		proof, err := a.relay.GetStorageProof(ctx, []models.StorageKey{s.key}, s.block)
		if err != nil {
			return err
		}
		s.proof = proof
		s.state = StateProofRetrieved

	default:
		return errors.NewVerifyError(errors.ErrorTypeSystem, errors.StepUnknown,
			fmt.Sprintf("非法的组装状态 %s", s.state))
	}
	return nil
}

func (a *Assembler) transition(from, to State, start time.Time) {
	if a.onTransition != nil {
		a.onTransition(from, to, time.Since(start))
	}
}
