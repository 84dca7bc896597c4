package execution

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"relayverify/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyEnv 私钥环境变量
const PrivateKeyEnv = "RELAYVERIFY_PRIVATE_KEY"

// Account 签名账户，私钥只在本地用于签名
type Account struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

// NewAccount 由十六进制私钥创建账户
func NewAccount(hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.NewConfigError("未配置签名私钥", nil)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// 原始错误可能含私钥片段，不向外传递
		return nil, errors.NewConfigError("签名私钥格式无效", nil)
	}
	return &Account{
		address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// LoadAccount 优先使用配置中的私钥，否则读取环境变量
func LoadAccount(configured string) (*Account, error) {
	if strings.TrimSpace(configured) == "" {
		configured = os.Getenv(PrivateKeyEnv)
	}
	return NewAccount(configured)
}

// Address 账户地址
func (a *Account) Address() common.Address {
	return a.address
}

// SignTx 使用链ID签名交易
func (a *Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
}

// String 只输出地址
func (a *Account) String() string {
	return fmt.Sprintf("Account(%s)", a.address.Hex())
}

// GoString 同 String，%#v 也不会打印私钥
func (a *Account) GoString() string {
	return a.String()
}
