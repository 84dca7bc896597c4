package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"relayverify/internal/errors"
	"relayverify/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 RELAYVERIFY_RELAY_URL 覆盖 relay.url
const EnvPrefix = "RELAYVERIFY"

// DatabaseDSNEnv 数据库配置源
const DatabaseDSNEnv = EnvPrefix + "_DB_DSN"

// Config 主配置
type Config struct {
	Relay     *RelayConfig       `mapstructure:"relay" json:"relay"`
	Execution *ExecutionConfig   `mapstructure:"execution" json:"execution"`
	Verifier  *VerifierConfig    `mapstructure:"verifier" json:"verifier"`
	Account   *AccountConfig     `mapstructure:"account" json:"account"`
	Workflow  *WorkflowConfig    `mapstructure:"workflow" json:"workflow"`
	Output    *OutputConfig      `mapstructure:"output" json:"output"`
	Store     *StoreConfig       `mapstructure:"store" json:"store"`
	Decoder   *DecoderConfig     `mapstructure:"decoder" json:"decoder"`
	API       *APIConfig         `mapstructure:"api" json:"api"`
	Logging   *logging.LogConfig `mapstructure:"logging" json:"logging"`
}

// RelayConfig 中继链节点配置
type RelayConfig struct {
	URL          string        `mapstructure:"url" json:"url"`
	Timeout      time.Duration `mapstructure:"timeout" json:"timeout"`
	KeyCacheSize int           `mapstructure:"key_cache_size" json:"key_cache_size"`
}

// ExecutionConfig 执行链配置
type ExecutionConfig struct {
	Nodes               []*NodeConfig `mapstructure:"nodes" json:"nodes"`
	ChainID             int64         `mapstructure:"chain_id" json:"chain_id"` // 0 表示从节点查询
	GasMultiplier       float64       `mapstructure:"gas_multiplier" json:"gas_multiplier"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval" json:"receipt_poll_interval"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout" json:"receipt_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`
	MaxConnsPerNode     int           `mapstructure:"max_conns_per_node" json:"max_conns_per_node"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	URL      string `mapstructure:"url" json:"url"`
	Priority int    `mapstructure:"priority" json:"priority"`
}

// VerifierConfig 验证合约配置
type VerifierConfig struct {
	Address string `mapstructure:"address" json:"address"`
	ABIPath string `mapstructure:"abi_path" json:"abi_path"` // 为空时使用内置 ABI
}

// AccountConfig 签名账户配置
type AccountConfig struct {
	PrivateKey string `mapstructure:"private_key" json:"-"`
}

// String 不输出私钥
func (a *AccountConfig) String() string {
	if a == nil || a.PrivateKey == "" {
		return "AccountConfig{}"
	}
	return "AccountConfig{PrivateKey: <redacted>}"
}

// WorkflowConfig 验证流程配置
type WorkflowConfig struct {
	Queries          []string      `mapstructure:"queries" json:"queries"`
	Workers          int           `mapstructure:"workers" json:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts" json:"max_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval" json:"max_retry_interval"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"` // 0 表示不限制
	DryRun           bool          `mapstructure:"dry_run" json:"dry_run"`
	StrictValidation bool          `mapstructure:"strict_validation" json:"strict_validation"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers" json:"brokers"`
	Topics  map[string]string `mapstructure:"topics" json:"topics"`
}

// OutputConfig 输出配置，Format 取值 none、json、json_async、kafka、kafka_async
type OutputConfig struct {
	Format    string       `mapstructure:"format" json:"format"`
	Directory string       `mapstructure:"directory" json:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka" json:"kafka"`
}

// StoreConfig 验证历史存储配置
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// DecoderConfig 回滚原因解码器配置
type DecoderConfig struct {
	FourByteAPIURL string        `mapstructure:"fourbyte_api_url" json:"fourbyte_api_url"`
	APITimeout     time.Duration `mapstructure:"api_timeout" json:"api_timeout"`
	EnableCache    bool          `mapstructure:"enable_cache" json:"enable_cache"`
	CacheSize      int           `mapstructure:"cache_size" json:"cache_size"`
	EnableAPI      bool          `mapstructure:"enable_api" json:"enable_api"`
}

// APIConfig HTTP 服务配置
type APIConfig struct {
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	MaxLogs int    `mapstructure:"max_logs" json:"max_logs"`
}

// LoadConfig 加载配置：文件（可选）-> 环境变量 -> 数据库（设置了 RELAYVERIFY_DB_DSN 时）
func LoadConfig(configPath string, logger *logrus.Logger) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	if dsn := os.Getenv(DatabaseDSNEnv); dsn != "" {
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, errors.NewConfigError("连接配置数据库失败", err)
		}
		defer dbConfig.Close()

		if err := dbConfig.Apply(config); err != nil {
			return nil, errors.NewConfigError("从数据库加载配置失败", err)
		}
		logger.Info("已从数据库加载节点和流程配置")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromFile 从文件和环境变量加载配置，configPath 为空或文件不存在时只用默认值和环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.NewConfigError("读取配置文件失败", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.NewConfigError("访问配置文件失败", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.NewConfigError("解析配置文件失败", err)
	}
	return config, nil
}

// setDefaults 注册默认值，使环境变量能覆盖未在文件中出现的键
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("relay.url", d.Relay.URL)
	v.SetDefault("relay.timeout", d.Relay.Timeout)
	v.SetDefault("relay.key_cache_size", d.Relay.KeyCacheSize)

	v.SetDefault("execution.chain_id", d.Execution.ChainID)
	v.SetDefault("execution.gas_multiplier", d.Execution.GasMultiplier)
	v.SetDefault("execution.receipt_poll_interval", d.Execution.ReceiptPollInterval)
	v.SetDefault("execution.receipt_timeout", d.Execution.ReceiptTimeout)
	v.SetDefault("execution.health_check_interval", d.Execution.HealthCheckInterval)
	v.SetDefault("execution.max_conns_per_node", d.Execution.MaxConnsPerNode)

	v.SetDefault("verifier.address", d.Verifier.Address)
	v.SetDefault("verifier.abi_path", d.Verifier.ABIPath)
	v.SetDefault("account.private_key", "")

	v.SetDefault("workflow.queries", d.Workflow.Queries)
	v.SetDefault("workflow.workers", d.Workflow.Workers)
	v.SetDefault("workflow.max_attempts", d.Workflow.MaxAttempts)
	v.SetDefault("workflow.retry_interval", d.Workflow.RetryInterval)
	v.SetDefault("workflow.max_retry_interval", d.Workflow.MaxRetryInterval)
	v.SetDefault("workflow.attempt_timeout", d.Workflow.AttemptTimeout)
	v.SetDefault("workflow.dry_run", d.Workflow.DryRun)
	v.SetDefault("workflow.strict_validation", d.Workflow.StrictValidation)

	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)

	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("decoder.fourbyte_api_url", d.Decoder.FourByteAPIURL)
	v.SetDefault("decoder.api_timeout", d.Decoder.APITimeout)
	v.SetDefault("decoder.enable_cache", d.Decoder.EnableCache)
	v.SetDefault("decoder.cache_size", d.Decoder.CacheSize)
	v.SetDefault("decoder.enable_api", d.Decoder.EnableAPI)

	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.max_logs", d.API.MaxLogs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.audit_output", d.Logging.AuditOutput)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Relay: &RelayConfig{
			URL:          "", // 需要在YAML配置或环境变量中指定
			Timeout:      30 * time.Second,
			KeyCacheSize: 1024,
		},
		Execution: &ExecutionConfig{
			Nodes:               []*NodeConfig{},
			GasMultiplier:       1.0,
			ReceiptPollInterval: 2 * time.Second,
			ReceiptTimeout:      2 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			MaxConnsPerNode:     4,
		},
		Verifier: &VerifierConfig{
			Address: "0x0000000000000000000000000000000000000819",
		},
		Account: &AccountConfig{},
		Workflow: &WorkflowConfig{
			Queries:          []string{},
			Workers:          1,
			MaxAttempts:      3,
			RetryInterval:    2 * time.Second,
			MaxRetryInterval: 30 * time.Second,
		},
		Output: &OutputConfig{
			Format:    "json",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"results": "relay_verification_results",
					"proofs":  "relay_proof_records",
				},
			},
		},
		Store: &StoreConfig{
			Enabled: true,
			Path:    "./data/attempts.db",
		},
		Decoder: &DecoderConfig{
			FourByteAPIURL: "https://www.4byte.directory/api/v1/signatures/",
			APITimeout:     5 * time.Second,
			EnableCache:    true,
			CacheSize:      10000,
			EnableAPI:      false,
		},
		API: &APIConfig{
			Host:    "",
			Port:    8080,
			MaxLogs: 1000,
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

var outputFormats = map[string]bool{
	"none":        true,
	"json":        true,
	"json_async":  true,
	"kafka":       true,
	"kafka_async": true,
}

// Validate 校验配置，节点地址只在真正连接时才需要，这里只检查格式
func (c *Config) Validate() error {
	if c.Relay == nil || c.Execution == nil || c.Verifier == nil || c.Workflow == nil ||
		c.Output == nil || c.Store == nil || c.Decoder == nil || c.API == nil || c.Logging == nil {
		return errors.NewConfigError("配置段缺失", nil)
	}

	if c.Relay.URL != "" && !hasScheme(c.Relay.URL, "ws://", "wss://", "http://", "https://") {
		return errors.NewConfigError(fmt.Sprintf("中继链节点地址格式无效: %s", c.Relay.URL), nil)
	}
	for i, node := range c.Execution.Nodes {
		if node == nil || node.URL == "" {
			return errors.NewConfigError(fmt.Sprintf("执行链节点 %d 缺少URL", i), nil)
		}
		if node.Name == "" {
			node.Name = fmt.Sprintf("node_%d", i)
		}
	}
	if c.Execution.GasMultiplier < 1 {
		return errors.NewConfigError("gas_multiplier 不能小于 1", nil)
	}
	if c.Verifier.Address != "" && !common.IsHexAddress(c.Verifier.Address) {
		return errors.NewConfigError(fmt.Sprintf("验证合约地址无效: %s", c.Verifier.Address), nil)
	}
	if c.Workflow.MaxAttempts < 1 {
		return errors.NewConfigError("workflow.max_attempts 至少为 1", nil)
	}
	if c.Workflow.Workers < 1 {
		return errors.NewConfigError("workflow.workers 至少为 1", nil)
	}
	if !outputFormats[c.Output.Format] {
		return errors.NewConfigError(fmt.Sprintf("不支持的输出格式: %s", c.Output.Format), nil)
	}
	if strings.HasPrefix(c.Output.Format, "kafka") && (c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0) {
		return errors.NewConfigError("Kafka 输出需要至少一个 broker", nil)
	}
	return nil
}

// RequireNodes 检查连接所需的节点地址
func (c *Config) RequireNodes() error {
	if c.Relay.URL == "" {
		return errors.NewConfigError("未配置中继链节点 relay.url", nil)
	}
	if len(c.Execution.Nodes) == 0 {
		return errors.NewConfigError("未配置执行链节点 execution.nodes", nil)
	}
	return nil
}

// VerifierAddress 验证合约地址
func (c *Config) VerifierAddress() common.Address {
	return common.HexToAddress(c.Verifier.Address)
}

func hasScheme(url string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}
