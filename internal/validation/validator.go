package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	// 单个证明的合理上限，超过后给出警告（严格模式下视为错误）
	maxProofBytes = 1 << 20
	// 存储键至少包含 pallet 和 storage 两段 twox128 前缀
	minStorageKeyLength = 32
	// 验证调用 gas 的合理上限
	maxVerificationGas = 15_000_000
)

var hashRegex = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

// Validator 提交前的数据校验器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.VerifyError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	DataType string                `json:"data_type"`
}

// Err 返回第一个错误，校验通过时为 nil
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) fail(err *errors.VerifyError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewTripleValidationRule())
	v.AddRule(NewCallValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateTriple 验证证明三元组
func (v *Validator) ValidateTriple(triple *models.ProofTriple) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "triple"}
	if triple == nil {
		result.fail(errors.NewValidationError(errors.StepEncode, "证明三元组为空"))
		return result
	}

	block := uint64(triple.Block.Number)
	if triple.Block.Hash == (common.Hash{}) {
		result.fail(errors.NewValidationError(errors.StepEncode, "区块引用缺少哈希").WithBlockNumber(block))
	}
	if triple.Proof.At != triple.Block.Hash {
		result.fail(errors.NewValidationError(errors.StepEncode,
			fmt.Sprintf("证明区块 %s 与区块引用 %s 不一致", triple.Proof.At.Hex(), triple.Block.Hash.Hex())).
			WithBlockNumber(block))
	}

	if rule, exists := v.rules["triple"]; exists {
		if err := rule.Validate(triple); err != nil {
			result.fail(toVerifyError(err, errors.StepEncode).WithBlockNumber(block))
		}
	}

	if size := triple.Proof.Size(); size > maxProofBytes {
		msg := fmt.Sprintf("证明大小异常: %d 字节", size)
		if v.strictMode {
			result.fail(errors.NewValidationError(errors.StepEncode, msg).WithBlockNumber(block))
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
	}

	v.record(result)
	return result
}

// ValidateCall 验证签名前的调用参数
func (v *Validator) ValidateCall(call *models.VerificationCall) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "call"}
	if call == nil {
		result.fail(errors.NewValidationError(errors.StepSign, "调用参数为空"))
		return result
	}

	if rule, exists := v.rules["call"]; exists {
		if err := rule.Validate(call); err != nil {
			result.fail(toVerifyError(err, errors.StepSign))
		}
	}

	if call.Gas > maxVerificationGas {
		msg := fmt.Sprintf("gas 上限异常: %d", call.Gas)
		if v.strictMode {
			result.fail(errors.NewValidationError(errors.StepSign, msg))
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
	}

	v.record(result)
	return result
}

// record 将校验失败计入错误统计
func (v *Validator) record(result *ValidationResult) {
	for _, err := range result.Errors {
		v.errorHandler.HandleError(context.Background(), err.WithComponent("validator"))
	}
}

// ValidateAddress 验证地址字符串
func (v *Validator) ValidateAddress(addr string) error {
	return v.rules["address"].Validate(addr)
}

// ValidateHash 验证哈希字符串
func (v *Validator) ValidateHash(hash string) error {
	return v.rules["hash"].Validate(hash)
}

func toVerifyError(err error, step errors.Step) *errors.VerifyError {
	if ve, ok := errors.AsVerifyError(err); ok {
		return ve
	}
	return errors.WrapError(err, errors.ErrorTypeValidation, step, "规则验证失败")
}

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	if len(hash) != 66 { // 0x + 64 hex chars
		return false
	}
	return hashRegex.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}

// TripleValidationRule 三元组验证规则
type TripleValidationRule struct{}

func NewTripleValidationRule() *TripleValidationRule {
	return &TripleValidationRule{}
}

func (r *TripleValidationRule) Name() string {
	return "triple"
}

func (r *TripleValidationRule) Description() string {
	return "证明三元组验证规则"
}

func (r *TripleValidationRule) Validate(data interface{}) error {
	triple, ok := data.(*models.ProofTriple)
	if !ok {
		return fmt.Errorf("数据类型不是证明三元组")
	}

	if len(triple.Key) < minStorageKeyLength {
		return errors.NewValidationError(errors.StepEncode,
			fmt.Sprintf("存储键长度 %d 小于前缀长度 %d", len(triple.Key), minStorageKeyLength))
	}
	if len(triple.Proof.Nodes) == 0 {
		return errors.NewValidationError(errors.StepEncode, "证明节点为空")
	}
	for i, node := range triple.Proof.Nodes {
		if len(node) == 0 {
			return errors.NewValidationError(errors.StepEncode, fmt.Sprintf("证明节点 %d 为空", i))
		}
	}

	return nil
}

// CallValidationRule 调用参数验证规则
type CallValidationRule struct{}

func NewCallValidationRule() *CallValidationRule {
	return &CallValidationRule{}
}

func (r *CallValidationRule) Name() string {
	return "call"
}

func (r *CallValidationRule) Description() string {
	return "验证调用参数规则"
}

func (r *CallValidationRule) Validate(data interface{}) error {
	call, ok := data.(*models.VerificationCall)
	if !ok {
		return fmt.Errorf("数据类型不是验证调用")
	}

	switch {
	case call.To == (common.Address{}):
		return errors.NewValidationError(errors.StepSign, "目标合约地址为空")
	case len(call.Data) < 4:
		return errors.NewValidationError(errors.StepSign, "调用数据缺少方法选择器")
	case call.Gas == 0:
		return errors.NewValidationError(errors.StepSign, "gas 未估算")
	case call.GasPrice == nil || call.GasPrice.Sign() <= 0:
		return errors.NewValidationError(errors.StepSign, "gas 价格无效")
	}

	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.NewValidationError(errors.StepUnknown, fmt.Sprintf("地址格式无效: %s", addr))
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "哈希值验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.NewValidationError(errors.StepUnknown, fmt.Sprintf("哈希格式无效: %s", hash))
	}

	return nil
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
