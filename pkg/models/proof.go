package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StorageKey 中继链存储键，解析后不可变
type StorageKey []byte

// Hex 返回0x前缀的十六进制表示
func (k StorageKey) Hex() string {
	return hexutil.Encode(k)
}

// Clone 返回副本
func (k StorageKey) Clone() StorageKey {
	return append(StorageKey(nil), k...)
}

// MarshalJSON 以十六进制编码
func (k StorageKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Hex())
}

// UnmarshalJSON 从十六进制解码
func (k *StorageKey) UnmarshalJSON(data []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalJSON(data); err != nil {
		return err
	}
	*k = StorageKey(b)
	return nil
}

// BlockReference 中继链区块引用，Number 和 Hash 必须指向同一个区块
type BlockReference struct {
	Number uint32      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

// String 格式化输出
func (r BlockReference) String() string {
	return fmt.Sprintf("#%d(%s)", r.Number, r.Hash.TerminalString())
}

// IsZero 判断是否未解析
func (r BlockReference) IsZero() bool {
	return r.Number == 0 && r.Hash == (common.Hash{})
}

// StorageProof 状态读证明：有序的trie节点列表
type StorageProof struct {
	At    common.Hash     `json:"at"`
	Nodes []hexutil.Bytes `json:"proof"`
}

// NodeBytes 返回 [][]byte 形式的节点列表（副本）
func (p StorageProof) NodeBytes() [][]byte {
	out := make([][]byte, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = append([]byte(nil), n...)
	}
	return out
}

// Size 证明总字节数
func (p StorageProof) Size() int {
	total := 0
	for _, n := range p.Nodes {
		total += len(n)
	}
	return total
}

// Equal 逐字节比较
func (p StorageProof) Equal(other StorageProof) bool {
	if p.At != other.At || len(p.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range p.Nodes {
		if !bytes.Equal(p.Nodes[i], other.Nodes[i]) {
			return false
		}
	}
	return true
}

// ProofTriple 一次验证尝试的 (区块, 证明, 键) 三元组，不得缓存或跨区块复用
type ProofTriple struct {
	Block BlockReference `json:"block"`
	Proof StorageProof   `json:"proof"`
	Key   StorageKey     `json:"key"`
}

// ReadProof 与验证合约 ABI 中的 ReadProof 结构体对应
type ReadProof struct {
	At    [32]byte
	Proof [][]byte
}

// ReadProof 转换为ABI参数
func (t *ProofTriple) ReadProof() ReadProof {
	return ReadProof{
		At:    t.Block.Hash,
		Proof: t.Proof.NodeBytes(),
	}
}

// ProofRecord 证明输出记录
type ProofRecord struct {
	AttemptID  string         `json:"attempt_id"`
	Query      string         `json:"query"`
	Block      BlockReference `json:"block"`
	Key        StorageKey     `json:"key"`
	ProofNodes int            `json:"proof_nodes"`
	ProofBytes int            `json:"proof_bytes"`
	Proof      StorageProof   `json:"proof"`
}

// NewProofRecord 从三元组构建输出记录
func NewProofRecord(attemptID, query string, triple *ProofTriple) *ProofRecord {
	return &ProofRecord{
		AttemptID:  attemptID,
		Query:      query,
		Block:      triple.Block,
		Key:        triple.Key,
		ProofNodes: len(triple.Proof.Nodes),
		ProofBytes: triple.Proof.Size(),
		Proof:      triple.Proof,
	}
}
