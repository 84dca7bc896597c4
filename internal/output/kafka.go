package output

import (
	"encoding/json"
	"fmt"
	"time"

	"relayverify/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器，消息键为尝试ID
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return newKafkaOutput(producer, topics, logger), nil
}

func newKafkaOutput(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// encodeMessage 构建Kafka消息
func encodeMessage(topic, key string, data interface{}) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(jsonData),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

func (k *KafkaOutput) send(topic, key string, data interface{}) error {
	msg, err := encodeMessage(topic, key, data)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("已发送到Kafka topic '%s' (partition: %d, offset: %d), key=%s",
		topic, partition, offset, key)
	return nil
}

// WriteResult 写入验证结果
func (k *KafkaOutput) WriteResult(result *models.VerificationResult) error {
	if result == nil {
		return nil
	}
	return k.send(topicFor(k.topics, TopicResults), result.AttemptID, result.ToKafkaMessage())
}

// WriteProof 写入证明记录
func (k *KafkaOutput) WriteProof(record *models.ProofRecord) error {
	if record == nil {
		return nil
	}
	return k.send(topicFor(k.topics, TopicProofs), record.AttemptID, record)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
