package execution

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultVerifierAddress RelayDataVerifier 预编译合约地址
var DefaultVerifierAddress = common.HexToAddress("0x0000000000000000000000000000000000000819")

const (
	MethodLatestRelayBlockNumber = "latestRelayBlockNumber"
	MethodVerifyEntry            = "verifyEntry"
	MethodVerifyEntries          = "verifyEntries"
)

// RelayDataVerifierABI 内置的验证合约 ABI
const RelayDataVerifierABI = `[
  {
    "inputs": [],
    "name": "latestRelayBlockNumber",
    "outputs": [{"internalType": "uint32", "name": "", "type": "uint32"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint32", "name": "relayBlockNumber", "type": "uint32"},
      {
        "components": [
          {"internalType": "bytes32", "name": "at", "type": "bytes32"},
          {"internalType": "bytes[]", "name": "proof", "type": "bytes[]"}
        ],
        "internalType": "struct RelayDataVerifier.ReadProof",
        "name": "readProof",
        "type": "tuple"
      },
      {"internalType": "bytes", "name": "key", "type": "bytes"}
    ],
    "name": "verifyEntry",
    "outputs": [{"internalType": "bytes", "name": "", "type": "bytes"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint32", "name": "relayBlockNumber", "type": "uint32"},
      {
        "components": [
          {"internalType": "bytes32", "name": "at", "type": "bytes32"},
          {"internalType": "bytes[]", "name": "proof", "type": "bytes[]"}
        ],
        "internalType": "struct RelayDataVerifier.ReadProof",
        "name": "readProof",
        "type": "tuple"
      },
      {"internalType": "bytes[]", "name": "keys", "type": "bytes[]"}
    ],
    "name": "verifyEntries",
    "outputs": [{"internalType": "bytes[]", "name": "", "type": "bytes[]"}],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

// LoadABI 从文件加载 ABI，路径为空时使用内置 ABI
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return abi.JSON(strings.NewReader(RelayDataVerifierABI))
	}

	f, err := os.Open(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("打开ABI文件失败: %w", err)
	}
	defer f.Close()

	parsed, err := abi.JSON(f)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析ABI文件失败: %w", err)
	}
	return parsed, nil
}

// checkVerifierABI 确认 ABI 含有验证流程需要的方法
func checkVerifierABI(parsed abi.ABI) error {
	for _, name := range []string{MethodLatestRelayBlockNumber, MethodVerifyEntry} {
		if _, ok := parsed.Methods[name]; !ok {
			return fmt.Errorf("ABI 缺少方法 %s", name)
		}
	}
	return nil
}
