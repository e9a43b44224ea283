// ========================================
// IndexerService 索引服务说明
// ========================================
//
// ## 功能概述
// IndexerService 轮询链上日志，按 (区块, logIndex) 顺序把事件逐个交给 EventHandler。
// - Factory 合约的 InstrumentCreated 事件: 注册新的 Instrument 事件源
// - 已注册 Instrument 的 PositionCreated / Purchased 事件: 写入持仓和购买记录
//
// ## 区间处理
// - 目标区块 = 链上最新区块 - confirmations
// - 每个区间最多 maxBlockRange 个区块
// - 区间内先查询 Factory 日志，再查询已注册地址及本区间新注册地址的 Instrument 日志，
//   合并排序后顺序分发。事件源在第 N 条日志注册，从第 N+1 条日志起开始接收事件
//
// ## 失败处理
// - 任一事件处理失败即停止当前区间，不推进检查点，下一轮重试该区间
// - 处理器按事件幂等，重放安全
//
// ## 检查点机制
// - 每个区间完整处理后保存检查点
// - 服务重启后从检查点 +1 继续扫描
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/contract"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/metrics"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/registry"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
)

var (
	ErrIndexerAlreadyRunning = errors.New("indexer already running")
	ErrIndexerNotRunning     = errors.New("indexer not running")
)

// ChainReader 索引所需的只读链上接口
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// IndexerService 链上索引服务
type IndexerService struct {
	client         ChainReader
	checkpointRepo repository.CheckpointRepository
	registry       *registry.Registry
	handler        *EventHandler
	factory        *contract.FactoryContract
	instrument     *contract.InstrumentContract

	// 配置
	chainID       int64
	startBlock    uint64
	confirmations uint64
	maxBlockRange uint64
	pollInterval  time.Duration

	// 运行状态
	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	nextBlock    uint64
	currentBlock uint64
	lastError    string
}

// IndexerServiceConfig 配置
type IndexerServiceConfig struct {
	ChainID       int64
	StartBlock    uint64 // 无检查点时的起始区块，0 表示从链上最新区块开始
	Confirmations uint64
	MaxBlockRange uint64
	PollInterval  time.Duration
}

// NewIndexerService 创建索引服务
func NewIndexerService(
	client ChainReader,
	checkpointRepo repository.CheckpointRepository,
	reg *registry.Registry,
	handler *EventHandler,
	factory *contract.FactoryContract,
	instrument *contract.InstrumentContract,
	cfg *IndexerServiceConfig,
) *IndexerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	maxBlockRange := cfg.MaxBlockRange
	if maxBlockRange == 0 {
		maxBlockRange = 500
	}

	return &IndexerService{
		client:         client,
		checkpointRepo: checkpointRepo,
		registry:       reg,
		handler:        handler,
		factory:        factory,
		instrument:     instrument,
		chainID:        cfg.ChainID,
		startBlock:     cfg.StartBlock,
		confirmations:  cfg.Confirmations,
		maxBlockRange:  maxBlockRange,
		pollInterval:   pollInterval,
	}
}

// Start 启动索引服务
func (s *IndexerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrIndexerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// 获取起始区块
	startBlock, err := s.getStartBlock(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.nextBlock = startBlock
	s.mu.Unlock()

	logger.Info("indexer starting",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("start_block", startBlock),
		zap.Int("tracked_sources", s.registry.Count()))

	s.wg.Add(1)
	go s.runLoop(ctx)

	return nil
}

// Stop 停止索引服务，等待当前区间处理结束
func (s *IndexerService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrIndexerNotRunning
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	logger.Info("indexer stopped", zap.Int64("chain_id", s.chainID))

	return nil
}

// IsRunning 检查是否运行中
func (s *IndexerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetCurrentBlock 获取最后完整处理的区块
func (s *IndexerService) GetCurrentBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBlock
}

// getStartBlock 获取起始区块: 检查点 +1，否则配置的起始区块，否则链上最新区块
func (s *IndexerService) getStartBlock(ctx context.Context) (uint64, error) {
	checkpoint, err := s.checkpointRepo.GetByChainID(ctx, s.chainID)
	if err == nil {
		return uint64(checkpoint.BlockNumber + 1), nil
	}

	if errors.Is(err, repository.ErrCheckpointNotFound) {
		if s.startBlock > 0 {
			return s.startBlock, nil
		}
		// 从当前区块开始
		currentBlock, err := s.client.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		return currentBlock, nil
	}

	return 0, err
}

// runLoop 主循环
func (s *IndexerService) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.syncOnce(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case repository.IsRetryableError(err):
				// 临时性存储错误，下一轮重试同一区间
				logger.Warn("indexer sync interrupted by transient error",
					zap.Int64("chain_id", s.chainID),
					zap.Uint64("next_block", s.getNextBlock()),
					zap.Error(err))
			default:
				logger.Error("indexer sync failed",
					zap.Int64("chain_id", s.chainID),
					zap.Uint64("next_block", s.getNextBlock()),
					zap.Error(err))
			}
		}
	}
}

// syncOnce 处理所有已确认的新区块
func (s *IndexerService) syncOnce(ctx context.Context) error {
	latestBlock, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	if latestBlock < s.confirmations {
		return nil
	}
	target := latestBlock - s.confirmations

	for {
		from := s.getNextBlock()
		if from > target {
			return nil
		}

		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		to := from + s.maxBlockRange - 1
		if to > target {
			to = target
		}

		if err := s.processRange(ctx, from, to); err != nil {
			s.setLastError(err)
			return fmt.Errorf("process blocks %d-%d: %w", from, to, err)
		}

		if err := s.saveCheckpoint(ctx, to); err != nil {
			s.setLastError(err)
			return err
		}

		s.mu.Lock()
		s.currentBlock = to
		s.nextBlock = to + 1
		s.lastError = ""
		s.mu.Unlock()

		metrics.RecordBlocksIndexed(to-from+1, to, latestBlock)
	}
}

// processRange 处理区块区间 [from, to]
func (s *IndexerService) processRange(ctx context.Context, from, to uint64) error {
	start := time.Now()
	defer func() {
		metrics.RangeDuration.Observe(time.Since(start).Seconds())
	}()

	fromBlock := new(big.Int).SetUint64(from)
	toBlock := new(big.Int).SetUint64(to)

	factoryLogs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{s.factory.Address()},
		Topics:    [][]common.Hash{{s.factory.InstrumentCreatedEventTopic()}},
	})
	if err != nil {
		return fmt.Errorf("filter factory logs: %w", err)
	}

	// 已注册地址加上本区间将要注册的地址
	addresses := s.registry.Addresses(model.TemplateInstrument)
	for _, log := range factoryLogs {
		if log.Removed {
			continue
		}
		if event, err := s.factory.ParseInstrumentCreated(log); err == nil {
			addresses = append(addresses, event.InstrumentAddress)
		}
	}

	var instrumentLogs []types.Log
	if len(addresses) > 0 {
		instrumentLogs, err = s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: fromBlock,
			ToBlock:   toBlock,
			Addresses: addresses,
			Topics: [][]common.Hash{{
				s.instrument.PositionCreatedEventTopic(),
				s.instrument.PurchasedEventTopic(),
			}},
		})
		if err != nil {
			return fmt.Errorf("filter instrument logs: %w", err)
		}
	}

	logs := mergeLogs(factoryLogs, instrumentLogs)
	for _, log := range logs {
		if err := s.dispatch(ctx, log); err != nil {
			return err
		}
	}

	if len(logs) > 0 {
		logger.Debug("block range indexed",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("logs", len(logs)))
	}
	return nil
}

// mergeLogs 合并日志，丢弃已回滚的日志，按 (区块, logIndex) 排序去重
func mergeLogs(groups ...[]types.Log) []types.Log {
	var merged []types.Log
	for _, group := range groups {
		for _, log := range group {
			if !log.Removed {
				merged = append(merged, log)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})

	out := merged[:0]
	for i, log := range merged {
		if i > 0 && log.BlockNumber == merged[i-1].BlockNumber && log.Index == merged[i-1].Index {
			continue
		}
		out = append(out, log)
	}
	return out
}

// dispatch 按事件签名分发日志
func (s *IndexerService) dispatch(ctx context.Context, log types.Log) error {
	if len(log.Topics) == 0 {
		return nil
	}

	meta := model.EventMeta{
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		Address:     contract.HexAddress(log.Address),
	}

	switch log.Topics[0] {
	case s.factory.InstrumentCreatedEventTopic():
		if log.Address != s.factory.Address() {
			return nil
		}
		event, err := s.factory.ParseInstrumentCreated(log)
		if err != nil {
			return s.handler.fail(model.EventTypeInstrumentCreated, meta, err)
		}
		_, err = s.handler.HandleInstrumentCreated(ctx, event, meta)
		return err

	case s.instrument.PositionCreatedEventTopic():
		if !s.registry.IsTracked(model.TemplateInstrument, log.Address) {
			return nil
		}
		event, err := s.instrument.ParsePositionCreated(log)
		if err != nil {
			return s.handler.fail(model.EventTypePositionCreated, meta, err)
		}
		return s.handler.HandlePositionCreated(ctx, event, meta)

	case s.instrument.PurchasedEventTopic():
		if !s.registry.IsTracked(model.TemplateInstrument, log.Address) {
			return nil
		}
		event, err := s.instrument.ParsePurchased(log)
		if err != nil {
			return s.handler.fail(model.EventTypePurchased, meta, err)
		}
		return s.handler.HandlePurchased(ctx, event, meta)
	}

	return nil
}

// saveCheckpoint 保存检查点
func (s *IndexerService) saveCheckpoint(ctx context.Context, blockNumber uint64) error {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return fmt.Errorf("get header for checkpoint: %w", err)
	}

	checkpoint := &model.BlockCheckpoint{
		ChainID:     s.chainID,
		BlockNumber: int64(blockNumber),
		BlockHash:   header.Hash().Hex(),
	}

	if err := s.checkpointRepo.Upsert(ctx, checkpoint); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	logger.Debug("checkpoint saved",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("block", blockNumber))
	return nil
}

func (s *IndexerService) getNextBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextBlock
}

func (s *IndexerService) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// GetIndexerStatus 获取索引器状态
func (s *IndexerService) GetIndexerStatus(ctx context.Context) (*IndexerStatus, error) {
	latestBlock, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	currentBlock := s.currentBlock
	nextBlock := s.nextBlock
	lastError := s.lastError
	running := s.running
	s.mu.RUnlock()

	lag := int64(latestBlock) - int64(currentBlock)
	if lag < 0 {
		lag = 0
	}

	var checkpointBlock int64
	checkpoint, err := s.checkpointRepo.GetByChainID(ctx, s.chainID)
	if err == nil {
		checkpointBlock = checkpoint.BlockNumber
	} else if !errors.Is(err, repository.ErrCheckpointNotFound) {
		return nil, err
	}

	return &IndexerStatus{
		ChainID:         s.chainID,
		Running:         running,
		CurrentBlock:    currentBlock,
		NextBlock:       nextBlock,
		LatestBlock:     latestBlock,
		LagBlocks:       lag,
		CheckpointBlock: checkpointBlock,
		TrackedSources:  s.registry.Count(),
		LastError:       lastError,
	}, nil
}

// IndexerStatus 索引器状态
type IndexerStatus struct {
	ChainID         int64  `json:"chain_id"`
	Running         bool   `json:"running"`
	CurrentBlock    uint64 `json:"current_block"`
	NextBlock       uint64 `json:"next_block"`
	LatestBlock     uint64 `json:"latest_block"`
	LagBlocks       int64  `json:"lag_blocks"`
	CheckpointBlock int64  `json:"checkpoint_block"`
	TrackedSources  int    `json:"tracked_sources"`
	LastError       string `json:"last_error,omitempty"`
}
