// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者说明
// ========================================
//
// 索引结果在事务提交后以变更流的形式发出，下游按需订阅。
// 发送失败只记录日志和指标，不回滚索引。
//
// 1. Topic: instrument-positions
//    - 消息内容: PositionUpdate (持仓开仓或 cost 变更)
//    - Partition Key: 持仓 id (交易哈希)
//
// 2. Topic: option-purchases
//    - 消息内容: OptionPurchase
//    - Partition Key: 持仓 id，与持仓消息同分区保证顺序
//
// 3. Topic: instrument-sources
//    - 消息内容: TrackedSource (新注册的 Instrument 合约)
//    - Partition Key: 合约地址
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/metrics"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicPositions 持仓变更 Topic
	// Partition Key: position id
	// 消息格式: model.PositionUpdate
	TopicPositions = "instrument-positions"

	// TopicPurchases 期权购买 Topic
	// Partition Key: position id
	// 消息格式: model.OptionPurchase
	TopicPurchases = "option-purchases"

	// TopicSources 事件源注册 Topic
	// Partition Key: address
	// 消息格式: model.TrackedSource
	TopicSources = "instrument-sources"
)

var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	// 同一持仓的消息落在同一分区
	config.Producer.Partitioner = sarama.NewHashPartitioner

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerFromSync(producer), nil
}

// NewProducerFromSync 包装已有的 SyncProducer
func NewProducerFromSync(producer sarama.SyncProducer) *Producer {
	return &Producer{
		producer: producer,
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, err == nil)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendPositionUpdate 发送持仓变更
func (p *Producer) SendPositionUpdate(ctx context.Context, update *model.PositionUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	return p.send(TopicPositions, update.Position.ID, data)
}

// SendPurchase 发送购买记录
func (p *Producer) SendPurchase(ctx context.Context, purchase *model.OptionPurchase) error {
	data, err := json.Marshal(purchase)
	if err != nil {
		return err
	}

	return p.send(TopicPurchases, purchase.InstrumentPosition, data)
}

// SendSource 发送事件源注册
func (p *Producer) SendSource(ctx context.Context, source *model.TrackedSource) error {
	data, err := json.Marshal(source)
	if err != nil {
		return err
	}

	return p.send(TopicSources, source.Address, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishPositionUpdate(ctx context.Context, update *model.PositionUpdate) error
	PublishPurchase(ctx context.Context, purchase *model.OptionPurchase) error
	PublishSource(ctx context.Context, source *model.TrackedSource) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishPositionUpdate(ctx context.Context, update *model.PositionUpdate) error {
	return p.producer.SendPositionUpdate(ctx, update)
}

func (p *KafkaEventPublisher) PublishPurchase(ctx context.Context, purchase *model.OptionPurchase) error {
	return p.producer.SendPurchase(ctx, purchase)
}

func (p *KafkaEventPublisher) PublishSource(ctx context.Context, source *model.TrackedSource) error {
	return p.producer.SendSource(ctx, source)
}

// NoopEventPublisher Kafka 关闭时使用
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishPositionUpdate(context.Context, *model.PositionUpdate) error {
	return nil
}

func (NoopEventPublisher) PublishPurchase(context.Context, *model.OptionPurchase) error {
	return nil
}

func (NoopEventPublisher) PublishSource(context.Context, *model.TrackedSource) error {
	return nil
}
