// Package relaytest 提供进程内的中继链节点模拟，供测试使用
package relaytest

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ProofRequest 记录一次 state_getReadProof 调用
type ProofRequest struct {
	Keys []hexutil.Bytes
	At   common.Hash
}

type header struct {
	ParentHash     common.Hash    `json:"parentHash"`
	Number         hexutil.Uint64 `json:"number"`
	StateRoot      common.Hash    `json:"stateRoot"`
	ExtrinsicsRoot common.Hash    `json:"extrinsicsRoot"`
}

type readProof struct {
	At    common.Hash     `json:"at"`
	Proof []hexutil.Bytes `json:"proof"`
}

// Node 模拟的中继链节点，支持裁剪和重组
type Node struct {
	mu        sync.Mutex
	canonical map[uint32]common.Hash
	numbers   map[common.Hash]uint32
	proofs    map[common.Hash][]hexutil.Bytes
	pruned    map[common.Hash]bool
	head      uint32
	requests  []ProofRequest

	// AfterProof 在读证明返回前调用，可用来模拟重组
	AfterProof func(n *Node, at common.Hash)

	server *rpc.Server
}

// NewNode 创建节点并注册 chain_* / state_* 方法
func NewNode() *Node {
	n := &Node{
		canonical: make(map[uint32]common.Hash),
		numbers:   make(map[common.Hash]uint32),
		proofs:    make(map[common.Hash][]hexutil.Bytes),
		pruned:    make(map[common.Hash]bool),
		server:    rpc.NewServer(),
	}
	if err := n.server.RegisterName("chain", &chainAPI{n}); err != nil {
		panic(err)
	}
	if err := n.server.RegisterName("state", &stateAPI{n}); err != nil {
		panic(err)
	}
	return n
}

// Client 返回进程内连接
func (n *Node) Client() *rpc.Client {
	return rpc.DialInProc(n.server)
}

// Close 停止服务
func (n *Node) Close() {
	n.server.Stop()
}

// AddBlock 添加规范区块及其读证明节点
func (n *Node) AddBlock(number uint32, hash common.Hash, proof ...[]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.canonical[number] = hash
	n.numbers[hash] = number
	nodes := make([]hexutil.Bytes, len(proof))
	for i, p := range proof {
		nodes[i] = append(hexutil.Bytes(nil), p...)
	}
	n.proofs[hash] = nodes
	if number > n.head {
		n.head = number
	}
}

// Prune 丢弃区块状态，区块头仍可查询
func (n *Node) Prune(number uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if hash, ok := n.canonical[number]; ok {
		n.pruned[hash] = true
	}
}

// Reorg 将区块号指向新的哈希，旧区块头保留
func (n *Node) Reorg(number uint32, hash common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canonical[number] = hash
	n.numbers[hash] = number
}

// ProofRequests 返回已收到的读证明请求
func (n *Node) ProofRequests() []ProofRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ProofRequest(nil), n.requests...)
}

type chainAPI struct{ n *Node }

func (api *chainAPI) GetBlockHash(number uint32) (*common.Hash, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()
	hash, ok := api.n.canonical[number]
	if !ok {
		return nil, nil
	}
	return &hash, nil
}

func (api *chainAPI) GetHeader(hash *common.Hash) (*header, error) {
	api.n.mu.Lock()
	defer api.n.mu.Unlock()

	var number uint32
	if hash == nil {
		number = api.n.head
		if _, ok := api.n.canonical[number]; !ok {
			return nil, nil
		}
	} else {
		num, ok := api.n.numbers[*hash]
		if !ok {
			return nil, nil
		}
		number = num
	}
	h := &header{Number: hexutil.Uint64(number)}
	if number > 0 {
		h.ParentHash = api.n.canonical[number-1]
	}
	return h, nil
}

type stateAPI struct{ n *Node }

func (api *stateAPI) GetReadProof(keys []hexutil.Bytes, at *common.Hash) (*readProof, error) {
	api.n.mu.Lock()
	if at == nil {
		h := api.n.canonical[api.n.head]
		at = &h
	}
	api.n.requests = append(api.n.requests, ProofRequest{Keys: keys, At: *at})
	if api.n.pruned[*at] {
		api.n.mu.Unlock()
		return nil, fmt.Errorf("State already discarded for BlockId::Hash(%s)", at.Hex())
	}
	nodes, ok := api.n.proofs[*at]
	if !ok {
		api.n.mu.Unlock()
		return nil, fmt.Errorf("UnknownBlock: header not found for %s", at.Hex())
	}
	out := &readProof{At: *at, Proof: make([]hexutil.Bytes, len(nodes))}
	for i, node := range nodes {
		out.Proof[i] = append(hexutil.Bytes(nil), node...)
	}
	hook := api.n.AfterProof
	api.n.mu.Unlock()

	if hook != nil {
		hook(api.n, *at)
	}
	return out, nil
}
