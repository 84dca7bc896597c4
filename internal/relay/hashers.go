package relay

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Hasher 存储映射键的哈希方式
type Hasher string

const (
	HasherBlake2_128       Hasher = "Blake2_128"
	HasherBlake2_256       Hasher = "Blake2_256"
	HasherBlake2_128Concat Hasher = "Blake2_128Concat"
	HasherTwox128          Hasher = "Twox128"
	HasherTwox256          Hasher = "Twox256"
	HasherTwox64Concat     Hasher = "Twox64Concat"
	HasherIdentity         Hasher = "Identity"
)

var knownHashers = map[string]Hasher{
	"blake2_128":       HasherBlake2_128,
	"blake2_256":       HasherBlake2_256,
	"blake2_128concat": HasherBlake2_128Concat,
	"twox128":          HasherTwox128,
	"twox256":          HasherTwox256,
	"twox64concat":     HasherTwox64Concat,
	"identity":         HasherIdentity,
}

// ParseHasher 解析哈希名称，大小写不敏感
func ParseHasher(name string) (Hasher, error) {
	h, ok := knownHashers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("未知的哈希方式: %s", name)
	}
	return h, nil
}

// Hash 按哈希方式处理已编码的参数
func (h Hasher) Hash(data []byte) ([]byte, error) {
	switch h {
	case HasherBlake2_128:
		return blake2_128(data), nil
	case HasherBlake2_256:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	case HasherBlake2_128Concat:
		return append(blake2_128(data), data...), nil
	case HasherTwox128:
		return twox(data, 2), nil
	case HasherTwox256:
		return twox(data, 4), nil
	case HasherTwox64Concat:
		return append(twox(data, 1), data...), nil
	case HasherIdentity:
		return append([]byte(nil), data...), nil
	default:
		return nil, fmt.Errorf("未知的哈希方式: %s", h)
	}
}

// Twox128 计算 twox128，用于 pallet 和存储项前缀
func Twox128(data []byte) []byte {
	return twox(data, 2)
}

// twox 以种子 0..rounds-1 依次计算 xxhash64，小端拼接
func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, rounds*8)
	for seed := 0; seed < rounds; seed++ {
		d := xxhash.NewWithSeed(uint64(seed))
		_, _ = d.Write(data)
		out = binary.LittleEndian.AppendUint64(out, d.Sum64())
	}
	return out
}

func blake2_128(data []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// 仅在输出长度非法时出错
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}
