// Package registry 维护运行时动态注册的事件源
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/contract"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
	"github.com/ribbon-finance/ribbon-v1-sub001/internal/repository"
)

// Registry 模板名 -> 地址集合
//
// 注册结果持久化到 SourceRepository，重启后通过 Load 恢复。
type Registry struct {
	mu      sync.RWMutex
	tracked map[string]map[common.Address]struct{}

	sources repository.SourceRepository
	logger  *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(sources repository.SourceRepository, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tracked: make(map[string]map[common.Address]struct{}),
		sources: sources,
		logger:  logger,
	}
}

// Load 从存储恢复已注册的事件源
func (r *Registry) Load(ctx context.Context) error {
	sources, err := r.sources.List(ctx)
	if err != nil {
		return fmt.Errorf("load tracked sources: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range sources {
		if !common.IsHexAddress(s.Address) {
			r.logger.Warn("skip invalid tracked source",
				zap.String("template", s.Template),
				zap.String("address", s.Address))
			continue
		}
		r.addLocked(s.Template, common.HexToAddress(s.Address))
	}

	r.logger.Info("tracked sources loaded", zap.Int("count", len(sources)))
	return nil
}

// StartTracking 将地址注册为 template 的事件源。
// 已注册时不写入，返回 false。
func (r *Registry) StartTracking(ctx context.Context, template string, address common.Address, meta model.EventMeta) (bool, error) {
	if r.IsTracked(template, address) {
		return false, nil
	}

	source := &model.TrackedSource{
		Template:     template,
		Address:      contract.HexAddress(address),
		CreatedBlock: int64(meta.BlockNumber),
		TxHash:       meta.TxHash,
	}
	err := r.sources.Create(ctx, source)
	if errors.Is(err, repository.ErrDuplicateSource) {
		r.mu.Lock()
		r.addLocked(template, address)
		r.mu.Unlock()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist tracked source: %w", err)
	}

	r.mu.Lock()
	r.addLocked(template, address)
	r.mu.Unlock()

	r.logger.Info("start tracking source",
		zap.String("template", template),
		zap.String("address", source.Address),
		zap.Uint64("block", meta.BlockNumber),
		zap.String("tx_hash", meta.TxHash))
	return true, nil
}

func (r *Registry) addLocked(template string, address common.Address) {
	set, ok := r.tracked[template]
	if !ok {
		set = make(map[common.Address]struct{})
		r.tracked[template] = set
	}
	set[address] = struct{}{}
}

// IsTracked 地址是否已注册为 template 的事件源
func (r *Registry) IsTracked(template string, address common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tracked[template][address]
	return ok
}

// Addresses 返回 template 下的全部地址，按字节序排列
func (r *Registry) Addresses(template string) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]common.Address, 0, len(r.tracked[template]))
	for addr := range r.tracked[template] {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
	return addrs
}

// Count 返回全部已注册事件源数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.tracked {
		n += len(set)
	}
	return n
}
