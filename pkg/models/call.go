package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// VerificationCall 待签名的验证调用，五个字段全部就绪后才能签名
type VerificationCall struct {
	To       common.Address `json:"to"`
	Data     hexutil.Bytes  `json:"data"`
	Gas      uint64         `json:"gas"`
	GasPrice *big.Int       `json:"gas_price"`
	Nonce    uint64         `json:"nonce"`
}

// Complete 判断字段是否全部就绪
func (c *VerificationCall) Complete() bool {
	return c != nil &&
		c.To != (common.Address{}) &&
		len(c.Data) > 0 &&
		c.Gas > 0 &&
		c.GasPrice != nil && c.GasPrice.Sign() > 0
}

// ToTransaction 构建未签名的legacy交易
func (c *VerificationCall) ToTransaction() *types.Transaction {
	to := c.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    c.Nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      c.Gas,
		GasPrice: new(big.Int).Set(c.GasPrice),
		Data:     common.CopyBytes(c.Data),
	})
}
