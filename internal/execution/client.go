package execution

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const component = "execution"

// 节点拒绝交易时的典型信息，刷新 nonce 后可重试
var rejectionMarkers = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"known transaction",
	"underpriced",
	"replacement",
	"future transaction",
}

// Backend 执行链 RPC 能力，*ethclient.Client 与连接池均满足
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// RevertDecoder 解析回滚数据
type RevertDecoder interface {
	DecodeRevert(ctx context.Context, data []byte) (string, bool)
}

// Config 执行链客户端配置
type Config struct {
	Verifier            common.Address
	ABI                 *abi.ABI
	GasMultiplier       float64
	ChainID             *big.Int
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// Client 执行链客户端，面向验证合约
type Client struct {
	backend  Backend
	abi      abi.ABI
	verifier common.Address
	logger   *logrus.Logger

	gasMultiplier  float64
	pollInterval   time.Duration
	receiptTimeout time.Duration
	revertDecoder  RevertDecoder

	chainMu sync.Mutex
	chainID *big.Int
}

// NewClient 创建执行链客户端
func NewClient(backend Backend, cfg Config, logger *logrus.Logger) (*Client, error) {
	parsed := cfg.ABI
	if parsed == nil {
		builtin, err := LoadABI("")
		if err != nil {
			return nil, errors.NewConfigError("解析内置ABI失败", err)
		}
		parsed = &builtin
	}
	if err := checkVerifierABI(*parsed); err != nil {
		return nil, errors.NewConfigError("验证合约ABI不完整", err)
	}

	verifier := cfg.Verifier
	if verifier == (common.Address{}) {
		verifier = DefaultVerifierAddress
	}

	c := &Client{
		backend:        backend,
		abi:            *parsed,
		verifier:       verifier,
		logger:         logger,
		gasMultiplier:  cfg.GasMultiplier,
		pollInterval:   cfg.ReceiptPollInterval,
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if c.gasMultiplier < 1 {
		c.gasMultiplier = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if cfg.ChainID != nil {
		c.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return c, nil
}

// SetRevertDecoder 设置回滚数据解码器
func (c *Client) SetRevertDecoder(d RevertDecoder) {
	c.revertDecoder = d
}

// Verifier 验证合约地址
func (c *Client) Verifier() common.Address {
	return c.verifier
}

// Backend 底层 RPC 后端
func (c *Client) Backend() Backend {
	return c.backend
}

// EncodeCall 按 ABI 编码方法调用，纯函数
func (c *Client) EncodeCall(method string, args ...interface{}) ([]byte, error) {
	if _, ok := c.abi.Methods[method]; !ok {
		return nil, errors.NewValidationError(errors.StepEncode, fmt.Sprintf("ABI 中没有方法 %s", method)).
			WithComponent(component)
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.StepEncode,
			fmt.Sprintf("编码 %s 参数失败", method)).
			WithComponent(component)
	}
	return data, nil
}

// CallView 只读调用验证合约
func (c *Client) CallView(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.EncodeCall(method, args...)
	if err != nil {
		return nil, err
	}

	to := c.verifier
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(errors.StepUnknown, err).WithComponent(component)
		}
		if reason, ok := c.revertReason(ctx, err); ok {
			return nil, errors.NewCallRevertedError(errors.StepUnknown, reason, err).
				WithComponent(component).
				WithContext("method", method)
		}
		return nil, errors.NewNetworkError(errors.StepUnknown, fmt.Sprintf("调用 %s 失败", method), err).
			WithComponent(component)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.NewCallRevertedError(errors.StepUnknown,
			fmt.Sprintf("%s 返回数据无法解码", method), err).
			WithComponent(component).
			WithContext("output", hexutil.Encode(out))
	}
	return values, nil
}

// LatestRelayBlockNumber 验证合约已知的最新中继链区块号
func (c *Client) LatestRelayBlockNumber(ctx context.Context) (uint32, error) {
	values, err := c.CallView(ctx, MethodLatestRelayBlockNumber)
	if err != nil {
		if ve, ok := errors.AsVerifyError(err); ok {
			ve.WithStep(errors.StepLatestBlock)
		}
		return 0, err
	}
	if len(values) != 1 {
		return 0, errors.NewCallRevertedError(errors.StepLatestBlock, "返回值个数不符", nil).
			WithComponent(component)
	}
	number, ok := values[0].(uint32)
	if !ok {
		return 0, errors.NewCallRevertedError(errors.StepLatestBlock,
			fmt.Sprintf("返回值类型 %T 不是 uint32", values[0]), nil).
			WithComponent(component)
	}
	return number, nil
}

// EstimateGas 估算调用所需 gas，会回滚的调用返回 EstimationError
func (c *Client) EstimateGas(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	to := c.verifier
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.NewCancelledError(errors.StepGasEstimate, err).WithComponent(component)
		}
		if reason, ok := c.revertReason(ctx, err); ok {
			return 0, errors.NewEstimationError(reason, err).WithComponent(component)
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return 0, errors.NewEstimationError(rpcErr.Error(), err).WithComponent(component)
		}
		return 0, errors.NewNetworkError(errors.StepGasEstimate, "估算gas失败", err).WithComponent(component)
	}

	if c.gasMultiplier > 1 {
		gas = uint64(math.Ceil(float64(gas) * c.gasMultiplier))
	}
	return gas, nil
}

// GasPrice 当前建议 gas 价格
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(errors.StepGasEstimate, err).WithComponent(component)
		}
		return nil, errors.NewNetworkError(errors.StepGasEstimate, "查询gas价格失败", err).WithComponent(component)
	}
	return price, nil
}

// Nonce 账户 pending nonce
func (c *Client) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.NewCancelledError(errors.StepGasEstimate, err).WithComponent(component)
		}
		return 0, errors.NewNetworkError(errors.StepGasEstimate, "查询nonce失败", err).WithComponent(component)
	}
	return nonce, nil
}

// ChainID 链ID，首次查询后缓存
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelledError(errors.StepSign, err).WithComponent(component)
		}
		return nil, errors.NewNetworkError(errors.StepSign, "查询链ID失败", err).WithComponent(component)
	}
	c.chainID = id
	return id, nil
}

// SignAndSubmit 签名并广播交易，返回可等待结果的提交句柄
//
// 签名前和广播前都会检查 ctx，已取消时不签名也不发送。
func (c *Client) SignAndSubmit(ctx context.Context, call *models.VerificationCall, account *Account) (*Submission, error) {
	if !call.Complete() {
		return nil, errors.NewValidationError(errors.StepSign, "调用参数不完整，拒绝签名").WithComponent(component)
	}
	if account == nil {
		return nil, errors.NewConfigError("未提供签名账户", nil)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(errors.StepSign, err).WithComponent(component)
	}
	signed, err := account.SignTx(call.ToTransaction(), chainID)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.StepSign, "交易签名失败").
			WithComponent(component)
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(errors.StepSubmit, err).WithComponent(component)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, c.classifySend(ctx, signed, err)
	}

	c.logger.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"nonce":   signed.Nonce(),
		"gas":     signed.Gas(),
		"from":    account.Address().Hex(),
	}).Info("验证交易已广播")

	return &Submission{
		client:      c,
		tx:          signed,
		from:        account.Address(),
		call:        *call,
		submittedAt: time.Now(),
	}, nil
}

func (c *Client) classifySend(ctx context.Context, tx *types.Transaction, err error) *errors.VerifyError {
	if ctx.Err() != nil {
		return errors.NewCancelledError(errors.StepSubmit, err).WithComponent(component)
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return errors.NewSubmissionRejectedError("交易被节点拒绝", err).
				WithComponent(component).
				WithTxHash(tx.Hash().Hex()).
				WithContext("nonce", tx.Nonce())
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// 余额不足等拒绝原因换 nonce 也无法解决
		return errors.NewSubmissionRejectedError("交易被节点拒绝", err).
			WithComponent(component).
			WithTxHash(tx.Hash().Hex()).
			WithRetryable(false)
	}
	return errors.NewNetworkError(errors.StepSubmit, "广播交易失败", err).WithComponent(component)
}

// revertReason 判断错误是否为合约回滚，并尽量解析原因
func (c *Client) revertReason(ctx context.Context, err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			if reason, err := abi.UnpackRevert(data); err == nil {
				return reason, true
			}
			if c.revertDecoder != nil {
				if reason, ok := c.revertDecoder.DecodeRevert(ctx, data); ok {
					return reason, true
				}
			}
			if len(data) > 0 {
				return hexutil.Encode(data), true
			}
		}
	}

	message := err.Error()
	lower := strings.ToLower(message)
	if idx := strings.Index(lower, "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(message[idx+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	if strings.Contains(lower, "revert") {
		return message, true
	}
	return "", false
}

func revertData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		data, err := hexutil.Decode(d)
		return data, err == nil
	case []byte:
		return d, true
	default:
		return nil, false
	}
}
