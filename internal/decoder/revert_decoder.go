package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"relayverify/internal/config"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// RevertDecoder 回滚数据解码器：先查合约 ABI 中的自定义错误，再查缓存、4byte.directory 和常见错误表
type RevertDecoder struct {
	logger *logrus.Logger
	config *config.DecoderConfig
	client *http.Client
	abi    *abi.ABI
	cache  *lru.Cache[string, string] // 选择器 -> 错误签名
}

// FourByteResponse 4byte.directory API响应
type FourByteResponse struct {
	Count   int         `json:"count"`
	Results []signature `json:"results"`
}

type signature struct {
	ID            int    `json:"id"`
	TextSignature string `json:"text_signature"`
	HexSignature  string `json:"hex_signature"`
}

// 常见错误选择器
var commonErrors = map[string]string{
	"0x08c379a0": "Error(string)",
	"0x4e487b71": "Panic(uint256)",
	"0x118cdaa7": "OwnableUnauthorizedAccount(address)",
	"0x1e4fbdf7": "OwnableInvalidOwner(address)",
	"0xd93c0665": "EnforcedPause()",
	"0x3ee5aeb5": "ReentrancyGuardReentrantCall()",
}

// NewRevertDecoder 创建回滚数据解码器，contractABI 可为空
func NewRevertDecoder(logger *logrus.Logger, decoderConfig *config.DecoderConfig, contractABI *abi.ABI) (*RevertDecoder, error) {
	if decoderConfig == nil {
		decoderConfig = config.GetDefaultConfig().Decoder
	}

	timeout := decoderConfig.APITimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	d := &RevertDecoder{
		logger: logger,
		config: decoderConfig,
		client: &http.Client{Timeout: timeout},
		abi:    contractABI,
	}

	if decoderConfig.EnableCache {
		size := decoderConfig.CacheSize
		if size <= 0 {
			size = 10000
		}
		cache, err := lru.New[string, string](size)
		if err != nil {
			return nil, fmt.Errorf("创建签名缓存失败: %w", err)
		}
		d.cache = cache
	}

	return d, nil
}

// DecodeRevert 解析回滚数据，无法识别时返回 false
func (d *RevertDecoder) DecodeRevert(ctx context.Context, data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}

	if d.abi != nil {
		var id [4]byte
		copy(id[:], data[:4])
		if abiErr, err := d.abi.ErrorByID(id); err == nil {
			if args, err := abiErr.Inputs.Unpack(data[4:]); err == nil {
				return formatError(abiErr.Name, args), true
			}
			return abiErr.Sig, true
		}
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}

	selector := hexutil.Encode(data[:4])
	sig := d.lookupSignature(ctx, selector)
	if sig == "" {
		return "", false
	}
	if len(data) > 4 {
		return fmt.Sprintf("%s data=%s", sig, hexutil.Encode(data[4:])), true
	}
	return sig, true
}

func formatError(name string, args []interface{}) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case []byte:
			parts[i] = hexutil.Encode(v)
		case [32]byte:
			parts[i] = hexutil.Encode(v[:])
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

// lookupSignature 按选择器查找错误签名
func (d *RevertDecoder) lookupSignature(ctx context.Context, selector string) string {
	if d.cache != nil {
		if sig, ok := d.cache.Get(selector); ok {
			return sig
		}
	}

	if sig, ok := commonErrors[selector]; ok {
		d.remember(selector, sig)
		return sig
	}

	if d.config.EnableAPI {
		if sig := d.fetchFromFourByteDirectory(ctx, selector); sig != "" {
			d.remember(selector, sig)
			return sig
		}
	}
	return ""
}

func (d *RevertDecoder) remember(selector, sig string) {
	if d.cache != nil {
		d.cache.Add(selector, sig)
	}
}

// fetchFromFourByteDirectory 从4byte.directory API获取签名
func (d *RevertDecoder) fetchFromFourByteDirectory(ctx context.Context, selector string) string {
	url := fmt.Sprintf("%s?hex_signature=%s", d.config.FourByteAPIURL, selector)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		d.logger.Debugf("构建4byte.directory请求失败: %v", err)
		return ""
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debugf("4byte.directory API调用失败: %v", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Debugf("4byte.directory API返回错误状态: %d", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		d.logger.Debugf("读取4byte.directory响应失败: %v", err)
		return ""
	}

	var response FourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		d.logger.Debugf("解析4byte.directory响应失败: %v", err)
		return ""
	}

	if len(response.Results) > 0 {
		// 返回第一个匹配的签名
		return response.Results[0].TextSignature
	}
	return ""
}

// ClearCache 清理缓存
func (d *RevertDecoder) ClearCache() {
	if d.cache != nil {
		d.cache.Purge()
	}
}

// GetCacheSize 获取缓存大小
func (d *RevertDecoder) GetCacheSize() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}
