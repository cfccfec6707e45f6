package mq

import (
	"fmt"

	"cardbank/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Sender 投递单条消息，由 Producer 实现，测试中可替换
type Sender interface {
	Send(topic, key, value string) error
}

// Producer 同步 Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewSaramaConfig 生产者配置：全副本确认、重试 3 次、返回成功
func NewSaramaConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	return c
}

// InitKafka 连接 brokers 创建生产者
func InitKafka(cfg *config.KafkaConfig, logger *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	logger.Info("Kafka 生产者创建成功", zap.Strings("brokers", cfg.Brokers))
	return NewProducer(producer, logger), nil
}

// NewProducer 包装已有的 SyncProducer
func NewProducer(p sarama.SyncProducer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{producer: p, logger: logger.Named("kafka")}
}

func (p *Producer) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.logger.Debug("消息已投递",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
