package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"relayverify/internal/config"
	"relayverify/internal/errors"
	"relayverify/internal/execution"
	"relayverify/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// NodeClient 单个节点连接，*ethclient.Client 满足该接口
type NodeClient interface {
	execution.Backend
	Close()
}

// DialFunc 建立节点连接
type DialFunc func(ctx context.Context, url string) (NodeClient, error)

// DialEthclient 使用 ethclient 连接节点
func DialEthclient(ctx context.Context, url string) (NodeClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options 连接池参数
type Options struct {
	MaxConnsPerNode     int
	HealthCheckInterval time.Duration // 0 表示不启动后台健康检查
	Dial                DialFunc
}

// ConnectionPool 执行链多节点连接池，按优先级选择健康节点，传输层故障时切换节点
type ConnectionPool struct {
	nodes       []*config.NodeConfig
	pools       []*NodePool
	logger      *logrus.Logger
	dial        DialFunc
	maxConns    int
	healthCheck time.Duration
	mu          sync.RWMutex

	chainID *big.Int
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ execution.Backend = (*ConnectionPool)(nil)

// NodePool 单个节点的连接池
type NodePool struct {
	nodeConfig *config.NodeConfig
	clients    chan NodeClient
	maxSize    int
	current    int
	dial       DialFunc
	logger     *logrus.Logger
	mu         sync.Mutex
	isHealthy  bool
	lastCheck  time.Time
	lastError  string

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewConnectionPool 创建连接池
func NewConnectionPool(nodes []*config.NodeConfig, opts Options, logger *logrus.Logger) *ConnectionPool {
	if opts.MaxConnsPerNode <= 0 {
		opts.MaxConnsPerNode = 4
	}
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}
	return &ConnectionPool{
		nodes:       nodes,
		logger:      logger,
		dial:        opts.Dial,
		maxConns:    opts.MaxConnsPerNode,
		healthCheck: opts.HealthCheckInterval,
		stop:        make(chan struct{}),
	}
}

// Initialize 连接所有节点并校验链ID一致
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, node := range cp.nodes {
		pool, chainID, err := newNodePool(ctx, node, cp.maxConns, cp.dial, cp.logger)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 连接池失败: %v", node.Name, err)
			continue
		}

		if cp.chainID == nil {
			cp.chainID = chainID
		} else if cp.chainID.Cmp(chainID) != 0 {
			cp.logger.Warnf("节点 %s 链ID %s 与 %s 不一致，已忽略", node.Name, chainID, cp.chainID)
			pool.Close()
			continue
		}

		cp.pools = append(cp.pools, pool)
		cp.logger.Infof("节点 %s 连接池已初始化 (优先级 %d)", node.Name, node.Priority)
	}

	if len(cp.pools) == 0 {
		return errors.NewNetworkError(errors.StepUnknown, "没有可用的执行链节点", nil).
			WithComponent("connection")
	}

	sort.SliceStable(cp.pools, func(i, j int) bool {
		return cp.pools[i].nodeConfig.Priority < cp.pools[j].nodeConfig.Priority
	})

	if cp.healthCheck > 0 {
		cp.wg.Add(1)
		go cp.healthChecker()
	}
	return nil
}

// newNodePool 创建节点连接池并预建一个连接
func newNodePool(ctx context.Context, nodeConfig *config.NodeConfig, maxSize int, dial DialFunc, logger *logrus.Logger) (*NodePool, *big.Int, error) {
	pool := &NodePool{
		nodeConfig: nodeConfig,
		clients:    make(chan NodeClient, maxSize),
		maxSize:    maxSize,
		dial:       dial,
		logger:     logger,
		isHealthy:  true,
		lastCheck:  time.Now(),
	}

	var client NodeClient
	var chainID *big.Int
	err := retry.RetryNetworkOperation(ctx, "连接节点 "+nodeConfig.Name, func(attempt int) error {
		c, err := pool.createClient(ctx)
		if err != nil {
			return err
		}
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			return fmt.Errorf("测试连接失败: %w", err)
		}
		client, chainID = c, id
		return nil
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	pool.current = 1
	pool.clients <- client
	return pool, chainID, nil
}

// createClient 创建新连接
func (np *NodePool) createClient(ctx context.Context) (NodeClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := np.dial(dialCtx, np.nodeConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	return client, nil
}

// acquire 取出一个连接，池满时等待归还
func (np *NodePool) acquire(ctx context.Context) (NodeClient, error) {
	select {
	case client := <-np.clients:
		return client, nil
	default:
	}

	np.mu.Lock()
	if np.current < np.maxSize {
		np.current++
		np.mu.Unlock()

		client, err := np.createClient(ctx)
		if err != nil {
			np.mu.Lock()
			np.current--
			np.mu.Unlock()
			return nil, err
		}
		return client, nil
	}
	np.mu.Unlock()

	select {
	case client := <-np.clients:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release 归还连接
func (np *NodePool) release(client NodeClient) {
	select {
	case np.clients <- client:
	default:
		np.discard(client)
	}
}

// discard 关闭出错的连接
func (np *NodePool) discard(client NodeClient) {
	client.Close()
	np.mu.Lock()
	np.current--
	np.mu.Unlock()
}

func (np *NodePool) markHealthy() {
	np.mu.Lock()
	defer np.mu.Unlock()
	if !np.isHealthy {
		np.logger.Infof("节点 %s 已恢复", np.nodeConfig.Name)
	}
	np.isHealthy = true
	np.lastError = ""
	np.lastCheck = time.Now()
}

func (np *NodePool) markUnhealthy(err error) {
	np.mu.Lock()
	defer np.mu.Unlock()
	np.isHealthy = false
	np.lastError = err.Error()
	np.lastCheck = time.Now()
}

// IsHealthy 节点当前是否健康
func (np *NodePool) IsHealthy() bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.isHealthy
}

// check 主动探测节点
func (np *NodePool) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := np.acquire(ctx)
	if err != nil {
		np.markUnhealthy(err)
		return false
	}
	if _, err := client.ChainID(ctx); err != nil {
		np.discard(client)
		np.markUnhealthy(err)
		return false
	}
	np.release(client)
	np.markHealthy()
	return true
}

// Close 关闭节点连接池
func (np *NodePool) Close() error {
	np.mu.Lock()
	defer np.mu.Unlock()

	for {
		select {
		case client := <-np.clients:
			client.Close()
		default:
			np.current = 0
			return nil
		}
	}
}

// candidates 健康节点在前，其余按优先级排在后面作为兜底
func (cp *ConnectionPool) candidates() []*NodePool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	healthy := make([]*NodePool, 0, len(cp.pools))
	var unhealthy []*NodePool
	for _, pool := range cp.pools {
		if pool.IsHealthy() {
			healthy = append(healthy, pool)
		} else {
			unhealthy = append(unhealthy, pool)
		}
	}
	return append(healthy, unhealthy...)
}

// isTransportError 节点未给出 JSON-RPC 应答的错误
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

// do 在节点上执行请求；failover 为真时传输层故障会切换到下一个节点
func (cp *ConnectionPool) do(ctx context.Context, op string, failover bool, fn func(NodeClient) error) error {
	pools := cp.candidates()
	if len(pools) == 0 {
		return fmt.Errorf("%s: 没有可用的节点", op)
	}

	var result *multierror.Error
	for _, np := range pools {
		client, err := np.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			np.markUnhealthy(err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", np.nodeConfig.Name, err))
			if !failover {
				break
			}
			continue
		}

		np.requests.Add(1)
		err = fn(client)
		if !isTransportError(err) {
			np.release(client)
			if err == nil {
				np.markHealthy()
			}
			return err
		}

		np.failures.Add(1)
		np.discard(client)
		np.markUnhealthy(err)
		result = multierror.Append(result, fmt.Errorf("%s: %w", np.nodeConfig.Name, err))

		if !failover || ctx.Err() != nil {
			break
		}
		cp.logger.Warnf("节点 %s 请求 %s 失败，切换节点: %v", np.nodeConfig.Name, op, err)
	}

	if len(result.Errors) == 1 {
		return result.Errors[0]
	}
	return fmt.Errorf("%s 在所有节点上失败: %w", op, result.ErrorOrNil())
}

// CallContract 只读调用
func (cp *ConnectionPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := cp.do(ctx, "eth_call", true, func(c NodeClient) error {
		var err error
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

// EstimateGas 估算gas
func (cp *ConnectionPool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := cp.do(ctx, "eth_estimateGas", true, func(c NodeClient) error {
		var err error
		gas, err = c.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SuggestGasPrice gas价格
func (cp *ConnectionPool) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := cp.do(ctx, "eth_gasPrice", true, func(c NodeClient) error {
		var err error
		price, err = c.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// PendingNonceAt 账户 pending nonce
func (cp *ConnectionPool) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := cp.do(ctx, "eth_getTransactionCount", true, func(c NodeClient) error {
		var err error
		nonce, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SendTransaction 广播交易，只发往一个节点，失败时不切换
func (cp *ConnectionPool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return cp.do(ctx, "eth_sendRawTransaction", false, func(c NodeClient) error {
		return c.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt 交易回执
func (cp *ConnectionPool) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := cp.do(ctx, "eth_getTransactionReceipt", true, func(c NodeClient) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

// ChainID 初始化时确认的链ID
func (cp *ConnectionPool) ChainID(ctx context.Context) (*big.Int, error) {
	cp.mu.RLock()
	id := cp.chainID
	cp.mu.RUnlock()
	if id != nil {
		return new(big.Int).Set(id), nil
	}

	err := cp.do(ctx, "eth_chainId", true, func(c NodeClient) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	return id, err
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker() {
	defer cp.wg.Done()
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.CheckHealth(context.Background())
		case <-cp.stop:
			return
		}
	}
}

// CheckHealth 探测所有节点
func (cp *ConnectionPool) CheckHealth(ctx context.Context) {
	cp.mu.RLock()
	pools := append([]*NodePool(nil), cp.pools...)
	cp.mu.RUnlock()

	for _, pool := range pools {
		if pool.check(ctx) {
			cp.logger.Debugf("节点 %s 健康检查通过", pool.nodeConfig.Name)
		} else {
			cp.logger.Warnf("节点 %s 健康检查失败", pool.nodeConfig.Name)
		}
	}
}

// GetStats 获取连接池统计信息，不包含节点URL
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make(map[string]interface{})
	for _, pool := range cp.pools {
		pool.mu.Lock()
		stats[pool.nodeConfig.Name] = map[string]interface{}{
			"priority":     pool.nodeConfig.Priority,
			"max_size":     pool.maxSize,
			"current_size": pool.current,
			"available":    len(pool.clients),
			"is_healthy":   pool.isHealthy,
			"last_check":   pool.lastCheck.Format(time.RFC3339),
			"last_error":   pool.lastError,
			"requests":     pool.requests.Load(),
			"failures":     pool.failures.Load(),
		}
		pool.mu.Unlock()
	}
	return stats
}

// Close 关闭连接池
func (cp *ConnectionPool) Close() error {
	select {
	case <-cp.stop:
		return nil
	default:
		close(cp.stop)
	}
	cp.wg.Wait()

	cp.mu.Lock()
	defer cp.mu.Unlock()

	var result *multierror.Error
	for _, pool := range cp.pools {
		if err := pool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("关闭节点 %s 连接池失败: %w", pool.nodeConfig.Name, err))
		}
	}

	cp.logger.Info("连接池已关闭")
	return result.ErrorOrNil()
}
