package relay

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ArgType 存储映射键参数的 SCALE 类型
type ArgType string

const (
	ArgAccount ArgType = "account"
	ArgU8      ArgType = "u8"
	ArgU16     ArgType = "u16"
	ArgU32     ArgType = "u32"
	ArgU64     ArgType = "u64"
	ArgU128    ArgType = "u128"
	ArgBytes   ArgType = "bytes" // 带 compact 长度前缀
	ArgRaw     ArgType = "raw"   // 已编码的原始字节
)

// KeyArg 单个映射键参数
type KeyArg struct {
	Hasher Hasher  `json:"hasher" mapstructure:"hasher"`
	Type   ArgType `json:"type" mapstructure:"type"`
	Value  string  `json:"value" mapstructure:"value"`
}

// QueryDescriptor 存储查询描述
type QueryDescriptor struct {
	Pallet  string   `json:"pallet" mapstructure:"pallet"`
	Storage string   `json:"storage" mapstructure:"storage"`
	Keys    []KeyArg `json:"keys,omitempty" mapstructure:"keys"`
}

// String 还原为简写形式 Pallet.Storage(arg,...)
func (q QueryDescriptor) String() string {
	var b strings.Builder
	b.WriteString(q.Pallet)
	b.WriteByte('.')
	b.WriteString(q.Storage)
	if len(q.Keys) > 0 {
		b.WriteByte('(')
		for i, k := range q.Keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k.Value)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// argSpec 已知存储项的参数布局
type argSpec struct {
	hasher Hasher
	typ    ArgType
}

// wellKnownStorage 常用存储项，简写查询时据此推断哈希方式和类型
var wellKnownStorage = map[string][]argSpec{
	"System.Account":         {{HasherBlake2_128Concat, ArgAccount}},
	"System.BlockHash":       {{HasherTwox64Concat, ArgU32}},
	"System.Number":          nil,
	"Timestamp.Now":          nil,
	"Session.CurrentIndex":   nil,
	"Balances.TotalIssuance": nil,
	"Balances.Locks":         {{HasherBlake2_128Concat, ArgAccount}},
	"Staking.Ledger":         {{HasherBlake2_128Concat, ArgAccount}},
	"Staking.Bonded":         {{HasherTwox64Concat, ArgAccount}},
	"Paras.Heads":            {{HasherTwox64Concat, ArgU32}},
	"Paras.CurrentCodeHash":  {{HasherTwox64Concat, ArgU32}},
	"Registrar.Paras":        {{HasherTwox64Concat, ArgU32}},
}

// ParseQuery 解析简写查询：Pallet.Storage 或 Pallet.Storage(arg,...)
//
// 参数可以是裸值，也可以写成 type:value 或 hasher:type:value 显式指定。
// 已知存储项按内置布局推断，其余存储项的裸值按内容推断类型。
func ParseQuery(s string) (QueryDescriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QueryDescriptor{}, fmt.Errorf("查询为空")
	}

	head, argList := s, ""
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return QueryDescriptor{}, fmt.Errorf("查询缺少右括号: %s", s)
		}
		head = s[:open]
		argList = s[open+1 : len(s)-1]
	}

	parts := strings.Split(head, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return QueryDescriptor{}, fmt.Errorf("查询格式应为 Pallet.Storage: %s", head)
	}
	q := QueryDescriptor{Pallet: parts[0], Storage: parts[1]}

	var rawArgs []string
	if strings.TrimSpace(argList) != "" {
		for _, a := range strings.Split(argList, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				return QueryDescriptor{}, fmt.Errorf("存在空参数: %s", s)
			}
			rawArgs = append(rawArgs, a)
		}
	}

	layout, known := wellKnownStorage[head]
	if known && len(rawArgs) != len(layout) {
		return QueryDescriptor{}, fmt.Errorf("%s 需要 %d 个参数，实际 %d", head, len(layout), len(rawArgs))
	}

	for i, raw := range rawArgs {
		arg, err := parseArg(raw)
		if err != nil {
			return QueryDescriptor{}, fmt.Errorf("参数 %d: %w", i, err)
		}
		if known {
			if arg.Type == "" {
				arg.Type = layout[i].typ
			}
			if arg.Hasher == "" {
				arg.Hasher = layout[i].hasher
			}
		}
		if arg.Type == "" {
			arg.Type = inferArgType(arg.Value)
		}
		if arg.Hasher == "" {
			arg.Hasher = defaultHasher(arg.Type)
		}
		q.Keys = append(q.Keys, arg)
	}

	return q, nil
}

// parseArg 拆分 [hasher:][type:]value
func parseArg(raw string) (KeyArg, error) {
	fields := strings.Split(raw, ":")
	switch len(fields) {
	case 1:
		return KeyArg{Value: fields[0]}, nil
	case 2:
		return KeyArg{Type: ArgType(strings.ToLower(fields[0])), Value: fields[1]}, nil
	case 3:
		h, err := ParseHasher(fields[0])
		if err != nil {
			return KeyArg{}, err
		}
		return KeyArg{Hasher: h, Type: ArgType(strings.ToLower(fields[1])), Value: fields[2]}, nil
	default:
		return KeyArg{}, fmt.Errorf("参数格式无效: %s", raw)
	}
}

func inferArgType(value string) ArgType {
	if _, err := strconv.ParseUint(value, 10, 32); err == nil {
		return ArgU32
	}
	if strings.HasPrefix(value, "0x") && len(value) != 2+2*accountIDLength {
		return ArgRaw
	}
	return ArgAccount
}

func defaultHasher(t ArgType) Hasher {
	switch t {
	case ArgAccount, ArgBytes, ArgRaw:
		return HasherBlake2_128Concat
	default:
		return HasherTwox64Concat
	}
}

// encodeArg 将参数按 SCALE 编码
func encodeArg(arg KeyArg) ([]byte, error) {
	switch arg.Type {
	case ArgAccount:
		return DecodeAccountID(arg.Value)
	case ArgU8:
		v, err := strconv.ParseUint(arg.Value, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("u8 无效: %w", err)
		}
		return []byte{byte(v)}, nil
	case ArgU16:
		v, err := strconv.ParseUint(arg.Value, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("u16 无效: %w", err)
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(v)), nil
	case ArgU32:
		v, err := strconv.ParseUint(arg.Value, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("u32 无效: %w", err)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
	case ArgU64:
		v, err := strconv.ParseUint(arg.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("u64 无效: %w", err)
		}
		return binary.LittleEndian.AppendUint64(nil, v), nil
	case ArgU128:
		return encodeU128(arg.Value)
	case ArgBytes:
		raw, err := hexutil.Decode(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("bytes 无效: %w", err)
		}
		prefix, err := compactLength(len(raw))
		if err != nil {
			return nil, err
		}
		return append(prefix, raw...), nil
	case ArgRaw:
		raw, err := hexutil.Decode(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("raw 无效: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("未知的参数类型: %s", arg.Type)
	}
}

func encodeU128(value string) ([]byte, error) {
	v, ok := new(big.Int).SetString(value, 0)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return nil, fmt.Errorf("u128 无效: %s", value)
	}
	be := v.FillBytes(make([]byte, 16))
	le := make([]byte, 16)
	for i := range be {
		le[i] = be[15-i]
	}
	return le, nil
}

// compactLength SCALE compact 编码的长度前缀
func compactLength(n int) ([]byte, error) {
	switch {
	case n < 1<<6:
		return []byte{byte(n << 2)}, nil
	case n < 1<<14:
		return binary.LittleEndian.AppendUint16(nil, uint16(n<<2|0x01)), nil
	case n < 1<<30:
		return binary.LittleEndian.AppendUint32(nil, uint32(n<<2|0x02)), nil
	default:
		return nil, fmt.Errorf("长度过大: %d", n)
	}
}

// buildStorageKey twox128(pallet) ++ twox128(storage) ++ hasher(arg)...
func buildStorageKey(q QueryDescriptor) ([]byte, error) {
	if q.Pallet == "" || q.Storage == "" {
		return nil, fmt.Errorf("pallet 和 storage 不能为空")
	}

	key := make([]byte, 0, 32+len(q.Keys)*48)
	key = append(key, Twox128([]byte(q.Pallet))...)
	key = append(key, Twox128([]byte(q.Storage))...)

	for i, arg := range q.Keys {
		encoded, err := encodeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("参数 %d: %w", i, err)
		}
		hasher := arg.Hasher
		if hasher == "" {
			hasher = defaultHasher(arg.Type)
		}
		hashed, err := hasher.Hash(encoded)
		if err != nil {
			return nil, fmt.Errorf("参数 %d: %w", i, err)
		}
		key = append(key, hashed...)
	}
	return key, nil
}
