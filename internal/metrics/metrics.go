// Package metrics 提供索引服务的 Prometheus 监控指标
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "instrument_indexer"

// 事件处理指标
var (
	// EventsProcessedTotal 已处理事件数
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "已处理的链上事件数",
		},
		[]string{"event_type"}, // InstrumentCreated, PositionCreated, Purchased
	)

	// HandlerFailuresTotal 处理失败数
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "事件处理失败数",
		},
		[]string{"event_type", "reason"}, // reason: decode, narrowing, overflow, storage
	)

	// PremiumVolumeTotal 累计 premium (按 premium_decimals 换算)
	PremiumVolumeTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "premium_volume_total",
			Help:      "累计购买 premium",
		},
	)

	// TrackedSourcesGauge 已注册事件源数量
	TrackedSourcesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sources",
			Help:      "动态注册的事件源数量",
		},
	)
)

// 区块索引指标
var (
	// BlocksIndexedTotal 已索引区块数
	BlocksIndexedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_indexed_total",
			Help:      "已索引区块数",
		},
	)

	// LatestIndexedBlockGauge 最新已索引区块
	LatestIndexedBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_indexed_block",
			Help:      "最新已索引区块号",
		},
	)

	// LatestChainBlockGauge 链上最新区块
	LatestChainBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_chain_block",
			Help:      "链上最新区块号",
		},
	)

	// BlockIndexLatency 索引落后区块数
	BlockIndexLatency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_index_latency_blocks",
			Help:      "索引落后链上最新区块的数量",
		},
	)

	// RangeDuration 单个区块区间处理耗时
	RangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "range_duration_seconds",
			Help:      "单个区块区间的处理耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// 外部依赖指标
var (
	// KafkaMessagesProduced Kafka 发送消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 发送消息数",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	// LockHeldGauge 是否持有单写者锁
	LockHeldGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexer_lock_held",
			Help:      "是否持有单写者锁 (1 持有, 0 未持有)",
		},
	)
)

// RecordEvent 记录已处理事件
func RecordEvent(eventType string) {
	EventsProcessedTotal.WithLabelValues(eventType).Inc()
}

// RecordHandlerFailure 记录处理失败
func RecordHandlerFailure(eventType, reason string) {
	HandlerFailuresTotal.WithLabelValues(eventType, reason).Inc()
}

// RecordPremium 记录 premium，raw 为最小单位
func RecordPremium(raw *big.Int, decimals int32) {
	if raw == nil || raw.Sign() <= 0 {
		return
	}
	amount := decimal.NewFromBigInt(raw, -decimals)
	PremiumVolumeTotal.Add(amount.InexactFloat64())
}

// RecordBlocksIndexed 记录区间索引完成
func RecordBlocksIndexed(count, blockNumber, chainHead uint64) {
	BlocksIndexedTotal.Add(float64(count))
	LatestIndexedBlockGauge.Set(float64(blockNumber))
	LatestChainBlockGauge.Set(float64(chainHead))
	if chainHead > blockNumber {
		BlockIndexLatency.Set(float64(chainHead - blockNumber))
	} else {
		BlockIndexLatency.Set(0)
	}
}

// UpdateTrackedSources 更新事件源数量
func UpdateTrackedSources(count int) {
	TrackedSourcesGauge.Set(float64(count))
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}

// SetLockHeld 更新锁状态
func SetLockHeld(held bool) {
	if held {
		LockHeldGauge.Set(1)
		return
	}
	LockHeldGauge.Set(0)
}
