package execution

import (
	"context"
	"sync"

	"relayverify/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource 查询账户 pending nonce
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 按账户分配 nonce，同一账户的签名和广播串行
type NonceManager struct {
	source NonceSource

	mu       sync.Mutex
	accounts map[common.Address]*accountNonce
}

type accountNonce struct {
	mu     sync.Mutex
	seeded bool
	next   uint64
}

// NewNonceManager 创建 nonce 管理器
func NewNonceManager(source NonceSource) *NonceManager {
	return &NonceManager{
		source:   source,
		accounts: make(map[common.Address]*accountNonce),
	}
}

func (m *NonceManager) account(addr common.Address) *accountNonce {
	m.mu.Lock()
	defer m.mu.Unlock()

	an, ok := m.accounts[addr]
	if !ok {
		an = &accountNonce{}
		m.accounts[addr] = an
	}
	return an
}

// seed 从节点读取 pending nonce，调用方持有 an.mu。
// 节点的 pending 视图可能落后于本地已广播的交易，取两者较大值。
func (m *NonceManager) seed(ctx context.Context, addr common.Address, an *accountNonce) error {
	if an.seeded {
		return nil
	}
	n, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError(errors.StepSign, err).WithComponent("nonce")
		}
		return errors.NewNetworkError(errors.StepSign, "查询账户nonce失败", err).
			WithComponent("nonce").
			WithContext("account", addr.Hex())
	}
	an.next = max(an.next, n)
	an.seeded = true
	return nil
}

// Use 在账户锁内取下一个 nonce 并调用 fn，fn 成功返回后该 nonce 才被消耗。
// 同一账户的 fn 依次执行，失败的调用不会在已广播的交易之间留下空洞。
func (m *NonceManager) Use(ctx context.Context, addr common.Address, fn func(nonce uint64) error) error {
	an := m.account(addr)
	an.mu.Lock()
	defer an.mu.Unlock()

	if err := m.seed(ctx, addr, an); err != nil {
		return err
	}
	if err := fn(an.next); err != nil {
		return err
	}
	an.next++
	return nil
}

// Reset 下次使用时重新从节点读取，本地计数只增不减
func (m *NonceManager) Reset(addr common.Address) {
	an := m.account(addr)
	an.mu.Lock()
	defer an.mu.Unlock()

	an.seeded = false
}

// Pending 返回下一个待使用的 nonce（未初始化时返回 false）
func (m *NonceManager) Pending(addr common.Address) (uint64, bool) {
	an := m.account(addr)
	an.mu.Lock()
	defer an.mu.Unlock()
	return an.next, an.seeded
}
