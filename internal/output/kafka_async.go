package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relayverify/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	// 统计信息
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return newAsyncKafkaOutput(producer, topics, logger), nil
}

func newAsyncKafkaOutput(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())
	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		cancel:   cancel,
	}

	k.wg.Add(3)
	go k.handleSuccesses()
	go k.handleErrors()
	go k.reportStats(ctx)
	return k
}

// handleSuccesses 处理成功发送的消息，生产者关闭后退出
func (k *AsyncKafkaOutput) handleSuccesses() {
	defer k.wg.Done()
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	defer k.wg.Done()
	for err := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", err.Msg.Topic, err.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed := k.GetStats()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条消息, 失败 %d 条, 成功率 %.2f%%",
					sent, failed, successRate)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (k *AsyncKafkaOutput) send(topic, key string, data interface{}) error {
	msg, err := encodeMessage(topic, key, data)
	if err != nil {
		return err
	}

	k.closeMu.RLock()
	defer k.closeMu.RUnlock()
	if k.closed {
		return fmt.Errorf("Kafka生产者已关闭")
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// WriteResult 异步写入验证结果
func (k *AsyncKafkaOutput) WriteResult(result *models.VerificationResult) error {
	if result == nil {
		return nil
	}
	return k.send(topicFor(k.topics, TopicResults), result.AttemptID, result.ToKafkaMessage())
}

// WriteProof 异步写入证明记录
func (k *AsyncKafkaOutput) WriteProof(record *models.ProofRecord) error {
	if record == nil {
		return nil
	}
	return k.send(topicFor(k.topics, TopicProofs), record.AttemptID, record)
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 发送完缓冲中的消息后关闭
func (k *AsyncKafkaOutput) Close() error {
	k.closeMu.Lock()
	if k.closed {
		k.closeMu.Unlock()
		return nil
	}
	k.closed = true
	k.closeMu.Unlock()

	k.logger.Info("关闭异步Kafka生产者...")
	k.producer.AsyncClose()
	k.cancel()
	k.wg.Wait()

	sent, failed := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, failed)
	if failed > 0 {
		return fmt.Errorf("%d 条Kafka消息发送失败", failed)
	}
	return nil
}
