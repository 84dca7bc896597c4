// Package exectest 提供内存中的执行链后端，供测试使用
package exectest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var latestSelector = crypto.Keccak256([]byte("latestRelayBlockNumber()"))[:4]

// RevertError 模拟节点返回的 execution reverted 错误（带回滚数据）
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string  { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData 返回 Error(string) 编码的回滚数据
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(EncodeRevert(e.Reason))
}

// EncodeRevert 按 Error(string) 编码回滚原因
func EncodeRevert(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		panic(err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return append(append([]byte(nil), selector...), packed...)
}

// RPCError 模拟节点返回的普通 JSON-RPC 错误
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string  { return e.Message }
func (e *RPCError) ErrorCode() int { return -32000 }

// Backend 内存执行链，满足 execution.Backend
type Backend struct {
	mu sync.Mutex

	ChainIDValue  *big.Int
	GasPriceValue *big.Int
	GasEstimate   uint64

	// EstimateErr 非空时所有 gas 估算返回该错误
	EstimateErr   error
	// EstimateHook 在每次 gas 估算时调用（不持锁），返回非空错误时估算失败
	EstimateHook  func(msg ethereum.CallMsg) error
	// SendErrors 依次作为 SendTransaction 的返回值，用完后正常接受
	SendErrors    []error
	// ReceiptStatus 新交易回执的状态
	ReceiptStatus uint64
	// PendingPolls 回执出现前返回 NotFound 的次数
	PendingPolls  int
	// ReplayErr 在回执区块重放调用时返回的错误
	ReplayErr     error
	// ViewErr 非空时只读调用返回该错误
	ViewErr       error

	latest      []uint32
	latestCalls int
	baseNonces  map[common.Address]uint64
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	polls       map[common.Hash]int
	nonceReads  int
}

// NewBackend 创建后端，验证合约的最新区块号依次返回 latest 中的值，最后一个值重复
func NewBackend(latest ...uint32) *Backend {
	return &Backend{
		ChainIDValue:  big.NewInt(1287),
		GasPriceValue: big.NewInt(1_000_000_000),
		GasEstimate:   120_000,
		ReceiptStatus: types.ReceiptStatusSuccessful,
		latest:        latest,
		baseNonces:    make(map[common.Address]uint64),
		receipts:      make(map[common.Hash]*types.Receipt),
		polls:         make(map[common.Hash]int),
	}
}

// SetNonce 设置账户链上 nonce
func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseNonces[addr] = nonce
}

// Sent 已接受的交易
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// LatestCalls latestRelayBlockNumber 被调用的次数
func (b *Backend) LatestCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestCalls
}

// NonceReads PendingNonceAt 被调用的次数
func (b *Backend) NonceReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonceReads
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if blockNumber != nil {
		return nil, b.ReplayErr
	}
	if b.ViewErr != nil {
		return nil, b.ViewErr
	}
	if len(msg.Data) >= 4 && string(msg.Data[:4]) == string(latestSelector) {
		if len(b.latest) == 0 {
			return nil, fmt.Errorf("no relay block configured")
		}
		idx := b.latestCalls
		if idx >= len(b.latest) {
			idx = len(b.latest) - 1
		}
		b.latestCalls++
		return common.LeftPadBytes(new(big.Int).SetUint64(uint64(b.latest[idx])).Bytes(), 32), nil
	}
	return nil, fmt.Errorf("unexpected call data %x", msg.Data)
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.EstimateHook != nil {
		if err := b.EstimateHook(msg); err != nil {
			return 0, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.GasPriceValue), nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceReads++

	nonce := b.baseNonces[account]
	signer := types.LatestSignerForChainID(b.ChainIDValue)
	for _, tx := range b.sent {
		if from, err := types.Sender(signer, tx); err == nil && from == account {
			nonce++
		}
	}
	return nonce, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.SendErrors) > 0 {
		err := b.SendErrors[0]
		b.SendErrors = b.SendErrors[1:]
		return err
	}

	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      b.ReceiptStatus,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas() / 2,
		BlockNumber: big.NewInt(int64(1000 + len(b.sent))),
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if b.polls[txHash] < b.PendingPolls {
		b.polls[txHash]++
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.ChainIDValue), nil
}
