package relay

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const accountIDLength = 32

var ss58Prefix = []byte("SS58PRE")

// DecodeAccountID 解析 SS58 地址或 0x 前缀的 32 字节公钥
func DecodeAccountID(address string) ([]byte, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("地址为空")
	}

	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		raw, err := hexutil.Decode("0x" + address[2:])
		if err != nil {
			return nil, fmt.Errorf("十六进制账户无效: %w", err)
		}
		if len(raw) != accountIDLength {
			return nil, fmt.Errorf("账户长度应为 %d 字节，实际 %d", accountIDLength, len(raw))
		}
		return raw, nil
	}

	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("SS58 解码失败: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("SS58 地址为空")
	}

	// 简单前缀 1 字节，扩展前缀 2 字节（首字节 bit6 置位）
	prefixLen := 1
	if raw[0]&0x40 != 0 {
		prefixLen = 2
	}
	if len(raw) != prefixLen+accountIDLength+2 {
		return nil, fmt.Errorf("SS58 地址长度无效: %d", len(raw))
	}

	body := raw[:prefixLen+accountIDLength]
	checksum := raw[prefixLen+accountIDLength:]
	expected := ss58Checksum(body)
	if !bytes.Equal(checksum, expected[:2]) {
		return nil, fmt.Errorf("SS58 校验和不匹配")
	}

	return append([]byte(nil), raw[prefixLen:prefixLen+accountIDLength]...), nil
}

func ss58Checksum(body []byte) [64]byte {
	data := make([]byte, 0, len(ss58Prefix)+len(body))
	data = append(data, ss58Prefix...)
	data = append(data, body...)
	return blake2b.Sum512(data)
}

// EncodeSS58 按网络前缀编码账户公钥（仅支持简单前缀 0-63）
func EncodeSS58(prefix byte, accountID []byte) (string, error) {
	if prefix >= 64 {
		return "", fmt.Errorf("不支持的网络前缀: %d", prefix)
	}
	if len(accountID) != accountIDLength {
		return "", fmt.Errorf("账户长度应为 %d 字节", accountIDLength)
	}
	body := append([]byte{prefix}, accountID...)
	checksum := ss58Checksum(body)
	return base58.Encode(append(body, checksum[:2]...)), nil
}
