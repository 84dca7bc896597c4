package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relayverify/internal/config"
	"relayverify/pkg/models"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	// TopicResults 验证结果
	TopicResults = "results"
	// TopicProofs 证明记录
	TopicProofs = "proofs"
)

var defaultTopics = map[string]string{
	TopicResults: "relay_verification_results",
	TopicProofs:  "relay_proof_records",
}

// Output 输出接口
type Output interface {
	WriteResult(result *models.VerificationResult) error
	WriteProof(record *models.ProofRecord) error
	Close() error
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	switch cfg.Format {
	case "none", "":
		return nopOutput{}, nil
	case "json":
		return NewFileOutput(cfg.Directory)
	case "json_async":
		return NewAsyncFileOutput(cfg.Directory, logger)
	case "kafka", "kafka_async":
		brokers := []string{"localhost:9092"}
		topics := defaultTopics
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if len(cfg.Kafka.Topics) > 0 {
				topics = cfg.Kafka.Topics
			}
		}
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

type nopOutput struct{}

func (nopOutput) WriteResult(*models.VerificationResult) error { return nil }
func (nopOutput) WriteProof(*models.ProofRecord) error         { return nil }
func (nopOutput) Close() error                                 { return nil }

// topicFor 返回数据类型对应的topic，未配置时使用默认名称
func topicFor(topics map[string]string, dataType string) string {
	if topic, ok := topics[dataType]; ok && topic != "" {
		return topic
	}
	return defaultTopics[dataType]
}

// outputFileNames 每次运行一组按时间戳命名的 JSON Lines 文件
func outputFileNames(now time.Time) map[string]string {
	timestamp := now.Format("20060102_150405")
	return map[string]string{
		TopicResults: fmt.Sprintf("results_%s.json", timestamp),
		TopicProofs:  fmt.Sprintf("proofs_%s.json", timestamp),
	}
}

func createOutputFiles(dir string) (map[string]*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	files := make(map[string]*os.File)
	for key, name := range outputFileNames(time.Now()) {
		file, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("创建文件 %s 失败: %w", name, err)
		}
		files[key] = file
	}
	return files, nil
}

func closeFiles(files map[string]*os.File) error {
	var result *multierror.Error
	for key, file := range files {
		if err := file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("关闭%s文件失败: %w", key, err))
		}
	}
	return result.ErrorOrNil()
}

// FileOutput 同步文件输出，每条记录一行 JSON
type FileOutput struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir string) (*FileOutput, error) {
	files, err := createOutputFiles(outputDir)
	if err != nil {
		return nil, err
	}
	return &FileOutput{
		outputDir: outputDir,
		files:     files,
	}, nil
}

// WriteResult 写入验证结果
func (o *FileOutput) WriteResult(result *models.VerificationResult) error {
	if result == nil {
		return nil
	}
	return o.writeLine(TopicResults, result)
}

// WriteProof 写入证明记录
func (o *FileOutput) WriteProof(record *models.ProofRecord) error {
	if record == nil {
		return nil
	}
	return o.writeLine(TopicProofs, record)
}

func (o *FileOutput) writeLine(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化%s数据失败: %w", key, err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	file := o.files[key]
	if file == nil {
		return fmt.Errorf("输出已关闭")
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入%s文件失败: %w", key, err)
	}
	// 强制刷新到磁盘
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新%s文件失败: %w", key, err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := closeFiles(o.files)
	o.files = map[string]*os.File{}
	return err
}
