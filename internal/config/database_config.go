package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置源（PostgreSQL）
//
// 表结构：
//
//	execution_nodes(name, url, priority, is_active)
//	workflow_config(config_key, config_value, is_active)
//	output_config(config_key, config_value, is_active)
//	kafka_topics(data_type, topic_name, is_active)
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置源
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// Apply 用数据库中的配置覆盖 config 的对应部分
func (dc *DatabaseConfig) Apply(config *Config) error {
	nodes, err := dc.loadExecutionNodes()
	if err != nil {
		return fmt.Errorf("加载执行链节点失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Execution.Nodes = nodes
	}

	values, err := dc.loadKeyValues("workflow_config")
	if err != nil {
		return fmt.Errorf("加载流程配置失败: %w", err)
	}
	for key, value := range values {
		if err := applyWorkflowValue(config.Workflow, key, value); err != nil {
			dc.logger.Warnf("忽略流程配置 %s=%s: %v", key, value, err)
		}
	}

	values, err = dc.loadKeyValues("output_config")
	if err != nil {
		return fmt.Errorf("加载输出配置失败: %w", err)
	}
	for key, value := range values {
		if err := applyOutputValue(config.Output, key, value); err != nil {
			dc.logger.Warnf("忽略输出配置 %s=%s: %v", key, value, err)
		}
	}

	if strings.HasPrefix(config.Output.Format, "kafka") {
		topics, err := dc.loadKafkaTopics()
		if err != nil {
			return fmt.Errorf("加载Kafka主题失败: %w", err)
		}
		if len(topics) > 0 {
			if config.Output.Kafka == nil {
				config.Output.Kafka = &KafkaConfig{}
			}
			config.Output.Kafka.Topics = topics
		}
	}

	return nil
}

func (dc *DatabaseConfig) loadExecutionNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, priority FROM execution_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

func (dc *DatabaseConfig) loadKeyValues(table string) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, table)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, rows.Err()
}

func (dc *DatabaseConfig) loadKafkaTopics() (map[string]string, error) {
	query := `SELECT data_type, topic_name FROM kafka_topics WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make(map[string]string)
	for rows.Next() {
		var dataType, topicName string
		if err := rows.Scan(&dataType, &topicName); err != nil {
			return nil, err
		}
		topics[dataType] = topicName
	}
	return topics, rows.Err()
}

// applyWorkflowValue 按键覆盖流程配置
func applyWorkflowValue(cfg *WorkflowConfig, key, value string) error {
	switch key {
	case "workers":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Workers = v
	case "max_attempts":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.MaxAttempts = v
	case "retry_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.RetryInterval = d
	case "max_retry_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.MaxRetryInterval = d
	case "attempt_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.AttemptTimeout = d
	case "dry_run":
		cfg.DryRun = strings.ToLower(value) == "true"
	case "strict_validation":
		cfg.StrictValidation = strings.ToLower(value) == "true"
	case "queries":
		var queries []string
		if err := json.Unmarshal([]byte(value), &queries); err != nil {
			return err
		}
		cfg.Queries = queries
	default:
		return fmt.Errorf("未知配置项")
	}
	return nil
}

// applyOutputValue 按键覆盖输出配置
func applyOutputValue(cfg *OutputConfig, key, value string) error {
	switch key {
	case "format":
		cfg.Format = value
	case "directory":
		cfg.Directory = value
	case "kafka_brokers":
		var brokers []string
		if err := json.Unmarshal([]byte(value), &brokers); err != nil {
			return err
		}
		if cfg.Kafka == nil {
			cfg.Kafka = &KafkaConfig{}
		}
		cfg.Kafka.Brokers = brokers
	default:
		return fmt.Errorf("未知配置项")
	}
	return nil
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
