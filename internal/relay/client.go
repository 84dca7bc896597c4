package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const component = "relay"

// 节点返回这些信息时说明该区块的状态已被裁剪
var prunedStateMarkers = []string{
	"state already discarded",
	"pruned",
	"unknown block",
	"unknownblock",
	"not found",
}

// Config 中继链客户端配置
type Config struct {
	URL          string
	Timeout      time.Duration
	KeyCacheSize int
}

// Header 中继链区块头（只取需要的字段）
type Header struct {
	ParentHash     common.Hash `json:"parentHash"`
	Number         string      `json:"number"`
	StateRoot      common.Hash `json:"stateRoot"`
	ExtrinsicsRoot common.Hash `json:"extrinsicsRoot"`
}

// BlockNumber 解析十六进制区块号
func (h *Header) BlockNumber() (uint32, error) {
	n, err := hexutil.DecodeUint64(h.Number)
	if err != nil {
		return 0, fmt.Errorf("区块号格式无效 %q: %w", h.Number, err)
	}
	if n > uint64(^uint32(0)) {
		return 0, fmt.Errorf("区块号超出 uint32 范围: %d", n)
	}
	return uint32(n), nil
}

// Client 中继链只读客户端
type Client struct {
	rpc      *rpc.Client
	logger   *logrus.Logger
	timeout  time.Duration
	keyCache *lru.Cache[string, models.StorageKey]
}

// Dial 连接中继链节点（ws 或 http）
func Dial(ctx context.Context, cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigError("中继链节点地址为空", nil)
	}
	c, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, errors.NewNetworkError(errors.StepUnknown, "连接中继链节点失败", err).
			WithComponent(component).
			WithContext("url", cfg.URL)
	}
	return NewClient(c, cfg, logger)
}

// NewClient 基于已有的 rpc 连接创建客户端
func NewClient(c *rpc.Client, cfg Config, logger *logrus.Logger) (*Client, error) {
	size := cfg.KeyCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, models.StorageKey](size)
	if err != nil {
		return nil, fmt.Errorf("创建存储键缓存失败: %w", err)
	}
	return &Client{
		rpc:      c,
		logger:   logger,
		timeout:  cfg.Timeout,
		keyCache: cache,
	}, nil
}

// Close 关闭连接
func (c *Client) Close() {
	c.rpc.Close()
}

// ResolveStorageKey 由查询描述推导存储键，纯本地计算
func (c *Client) ResolveStorageKey(ctx context.Context, q QueryDescriptor) (models.StorageKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(errors.StepResolveKey, err)
	}

	cacheKey := queryCacheKey(q)
	if key, ok := c.keyCache.Get(cacheKey); ok {
		return key.Clone(), nil
	}

	raw, err := buildStorageKey(q)
	if err != nil {
		return nil, errors.NewResolutionError(fmt.Sprintf("无法解析查询 %s", q), err).
			WithComponent(component)
	}

	key := models.StorageKey(raw)
	c.keyCache.Add(cacheKey, key.Clone())
	c.logger.WithFields(logrus.Fields{
		"query": q.String(),
		"key":   key.Hex(),
	}).Debug("存储键已解析")
	return key, nil
}

// GetBlockHash 按区块号查询区块哈希
func (c *Client) GetBlockHash(ctx context.Context, number uint32) (models.BlockReference, error) {
	hash, err := c.blockHash(ctx, number)
	if err != nil {
		return models.BlockReference{}, c.classify(ctx, errors.StepBlockHash, "查询区块哈希失败", err).
			WithBlockNumber(uint64(number))
	}
	if hash == nil {
		return models.BlockReference{}, errors.NewNotFoundError(errors.StepBlockHash,
			fmt.Sprintf("区块 %d 不存在或已被裁剪", number), nil).
			WithComponent(component).
			WithBlockNumber(uint64(number))
	}
	return models.BlockReference{Number: number, Hash: *hash}, nil
}

// GetHeader 按哈希查询区块头，区块不存在时返回 nil
func (c *Client) GetHeader(ctx context.Context, hash common.Hash) (*Header, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var header *Header
	if err := c.rpc.CallContext(callCtx, &header, "chain_getHeader", hash); err != nil {
		return nil, err
	}
	return header, nil
}

// ChainHead 返回中继链当前最新区块
func (c *Client) ChainHead(ctx context.Context) (models.BlockReference, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var header *Header
	if err := c.rpc.CallContext(callCtx, &header, "chain_getHeader"); err != nil {
		return models.BlockReference{}, c.classify(ctx, errors.StepLatestBlock, "查询链头失败", err)
	}
	if header == nil {
		return models.BlockReference{}, errors.NewNotFoundError(errors.StepLatestBlock, "节点未返回链头", nil).
			WithComponent(component)
	}
	number, err := header.BlockNumber()
	if err != nil {
		return models.BlockReference{}, errors.NewNetworkError(errors.StepLatestBlock, "链头格式无效", err).
			WithComponent(component)
	}
	return c.GetBlockHash(ctx, number)
}

// GetStorageProof 获取 at 区块上一组存储键的读证明
//
// 先确认 at 的哈希与区块号仍指向同一个规范区块，证明返回后再检查一次，
// 任何不一致都按 ProofUnavailable 处理，调用方需要换一个更新的区块重试。
func (c *Client) GetStorageProof(ctx context.Context, keys []models.StorageKey, at models.BlockReference) (models.StorageProof, error) {
	if len(keys) == 0 {
		return models.StorageProof{}, errors.NewValidationError(errors.StepReadProof, "存储键列表为空").
			WithComponent(component)
	}
	if at.Hash == (common.Hash{}) {
		return models.StorageProof{}, errors.NewValidationError(errors.StepReadProof, "区块引用缺少哈希").
			WithComponent(component)
	}

	if err := c.checkReference(ctx, at); err != nil {
		return models.StorageProof{}, err
	}

	params := make([]hexutil.Bytes, len(keys))
	for i, k := range keys {
		params[i] = hexutil.Bytes(k)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var proof models.StorageProof
	if err := c.rpc.CallContext(callCtx, &proof, "state_getReadProof", params, at.Hash); err != nil {
		return models.StorageProof{}, c.classify(ctx, errors.StepReadProof, "获取读证明失败", err).
			WithBlockNumber(uint64(at.Number))
	}

	if proof.At != at.Hash {
		return models.StorageProof{}, errors.NewProofUnavailableError(
			fmt.Sprintf("证明区块 %s 与请求区块 %s 不一致", proof.At.Hex(), at.Hash.Hex()), nil).
			WithComponent(component).
			WithBlockNumber(uint64(at.Number))
	}
	if len(proof.Nodes) == 0 {
		return models.StorageProof{}, errors.NewProofUnavailableError("节点返回空证明", nil).
			WithComponent(component).
			WithBlockNumber(uint64(at.Number))
	}

	// 取证明期间发生重组时，区块号已不再指向 at.Hash
	canonical, err := c.blockHash(ctx, at.Number)
	if err != nil {
		return models.StorageProof{}, c.classify(ctx, errors.StepReadProof, "复核区块哈希失败", err).
			WithBlockNumber(uint64(at.Number))
	}
	if canonical == nil || *canonical != at.Hash {
		return models.StorageProof{}, errors.NewProofUnavailableError(
			fmt.Sprintf("区块 %d 在取证明期间发生重组", at.Number), nil).
			WithComponent(component).
			WithBlockNumber(uint64(at.Number))
	}

	c.logger.WithFields(logrus.Fields{
		"block":       at.String(),
		"keys":        len(keys),
		"proof_nodes": len(proof.Nodes),
		"proof_bytes": proof.Size(),
	}).Debug("读证明已获取")

	return proof, nil
}

// checkReference 确认区块头存在且区块号与引用一致
func (c *Client) checkReference(ctx context.Context, at models.BlockReference) error {
	header, err := c.GetHeader(ctx, at.Hash)
	if err != nil {
		return c.classify(ctx, errors.StepReadProof, "查询区块头失败", err).
			WithBlockNumber(uint64(at.Number))
	}
	if header == nil {
		return errors.NewProofUnavailableError(fmt.Sprintf("区块 %s 已不存在", at.Hash.Hex()), nil).
			WithComponent(component).
			WithBlockNumber(uint64(at.Number))
	}
	number, err := header.BlockNumber()
	if err != nil {
		return errors.NewNetworkError(errors.StepReadProof, "区块头格式无效", err).
			WithComponent(component)
	}
	if number != at.Number {
		return errors.NewProofUnavailableError(
			fmt.Sprintf("区块哈希 %s 对应区块号 %d，而不是 %d", at.Hash.Hex(), number, at.Number), nil).
			WithComponent(component).
			WithBlockNumber(uint64(at.Number))
	}
	return nil
}

func (c *Client) blockHash(ctx context.Context, number uint32) (*common.Hash, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	var hash *common.Hash
	err := c.rpc.CallContext(callCtx, &hash, "chain_getBlockHash", number)
	if errors.Is(err, rpc.ErrNoResult) {
		return nil, nil
	}
	return hash, err
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// classify 将 RPC 错误归类
func (c *Client) classify(ctx context.Context, step errors.Step, message string, err error) *errors.VerifyError {
	if ctx.Err() != nil {
		return errors.NewCancelledError(step, err).WithComponent(component)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && isPrunedState(rpcErr.Error()) {
		return errors.NewProofUnavailableError(message, err).
			WithComponent(component).
			WithStep(step).
			WithContext("rpc_code", rpcErr.ErrorCode())
	}

	c.logger.WithError(err).WithField("step", step).Debug("中继链RPC调用失败")
	return errors.NewNetworkError(step, message, err).WithComponent(component)
}

func isPrunedState(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range prunedStateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func queryCacheKey(q QueryDescriptor) string {
	var b strings.Builder
	b.WriteString(q.Pallet)
	b.WriteByte('.')
	b.WriteString(q.Storage)
	for _, k := range q.Keys {
		fmt.Fprintf(&b, "|%s:%s:%s", k.Hasher, k.Type, k.Value)
	}
	return b.String()
}
