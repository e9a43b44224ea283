package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
)

type memTxKey struct{}

// Memory 内存存储
//
// Transaction 串行执行，失败时恢复到事务开始前的快照。
type Memory struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	positions   map[string]model.InstrumentPosition
	purchases   map[string]model.OptionPurchase
	sources     []model.TrackedSource
	checkpoints map[int64]model.BlockCheckpoint
	nextID      int64
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{
		positions:   make(map[string]model.InstrumentPosition),
		purchases:   make(map[string]model.OptionPurchase),
		checkpoints: make(map[int64]model.BlockCheckpoint),
	}
}

type memorySnapshot struct {
	positions   map[string]model.InstrumentPosition
	purchases   map[string]model.OptionPurchase
	sources     []model.TrackedSource
	checkpoints map[int64]model.BlockCheckpoint
	nextID      int64
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := memorySnapshot{
		positions:   make(map[string]model.InstrumentPosition, len(m.positions)),
		purchases:   make(map[string]model.OptionPurchase, len(m.purchases)),
		sources:     append([]model.TrackedSource(nil), m.sources...),
		checkpoints: make(map[int64]model.BlockCheckpoint, len(m.checkpoints)),
		nextID:      m.nextID,
	}
	for k, v := range m.positions {
		s.positions[k] = v
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	for k, v := range m.checkpoints {
		s.checkpoints[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = s.positions
	m.purchases = s.purchases
	m.sources = s.sources
	m.checkpoints = s.checkpoints
	m.nextID = s.nextID
}

// Transaction 执行事务，嵌套调用直接复用外层事务
func (m *Memory) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// ReadTransaction 与写事务串行，读取期间不会观察到半提交的状态
func (m *Memory) ReadTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, true))
}

// Positions 返回持仓仓储
func (m *Memory) Positions() PositionRepository { return &memoryPositions{m} }

// Purchases 返回购买记录仓储
func (m *Memory) Purchases() PurchaseRepository { return &memoryPurchases{m} }

// Sources 返回事件源仓储
func (m *Memory) Sources() SourceRepository { return &memorySources{m} }

// Checkpoints 返回检查点仓储
func (m *Memory) Checkpoints() CheckpointRepository { return &memoryCheckpoints{m} }

type memoryPositions struct{ m *Memory }

func (r *memoryPositions) Get(_ context.Context, id string) (*model.InstrumentPosition, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	p, ok := r.m.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return &p, nil
}

func (r *memoryPositions) Exists(_ context.Context, id string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	_, ok := r.m.positions[id]
	return ok, nil
}

func (r *memoryPositions) Put(_ context.Context, position *model.InstrumentPosition) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	now := time.Now().UnixMilli()
	position.UpdatedAt = now
	if existing, ok := r.m.positions[position.ID]; ok {
		position.CreatedAt = existing.CreatedAt
	} else if position.CreatedAt == 0 {
		position.CreatedAt = now
	}
	r.m.positions[position.ID] = *position
	return nil
}

type memoryPurchases struct{ m *Memory }

func (r *memoryPurchases) Get(_ context.Context, id string) (*model.OptionPurchase, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	p, ok := r.m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return &p, nil
}

func (r *memoryPurchases) Exists(_ context.Context, id string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	_, ok := r.m.purchases[id]
	return ok, nil
}

func (r *memoryPurchases) Put(_ context.Context, purchase *model.OptionPurchase) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.purchases[purchase.ID]; ok {
		return ErrDuplicatePurchase
	}
	if purchase.CreatedAt == 0 {
		purchase.CreatedAt = time.Now().UnixMilli()
	}
	r.m.purchases[purchase.ID] = *purchase
	return nil
}

func (r *memoryPurchases) ListByPosition(_ context.Context, positionID string) ([]*model.OptionPurchase, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var purchases []*model.OptionPurchase
	for _, p := range r.m.purchases {
		if p.InstrumentPosition == positionID {
			p := p
			purchases = append(purchases, &p)
		}
	}
	sort.Slice(purchases, func(i, j int) bool {
		if purchases[i].BlockNumber != purchases[j].BlockNumber {
			return purchases[i].BlockNumber < purchases[j].BlockNumber
		}
		return purchases[i].LogIndex < purchases[j].LogIndex
	})
	return purchases, nil
}

func (r *memoryPurchases) SumPremiumByPosition(ctx context.Context, positionID string) (model.BigInt, error) {
	purchases, err := r.ListByPosition(ctx, positionID)
	if err != nil {
		return model.BigInt{}, err
	}

	var sum model.BigInt
	for _, p := range purchases {
		if sum, err = sum.Add(p.Premium); err != nil {
			return model.BigInt{}, err
		}
	}
	return sum, nil
}

type memorySources struct{ m *Memory }

func (r *memorySources) Create(_ context.Context, source *model.TrackedSource) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	for _, s := range r.m.sources {
		if s.Template == source.Template && s.Address == source.Address {
			return ErrDuplicateSource
		}
	}
	r.m.nextID++
	source.ID = r.m.nextID
	if source.CreatedAt == 0 {
		source.CreatedAt = time.Now().UnixMilli()
	}
	r.m.sources = append(r.m.sources, *source)
	return nil
}

func (r *memorySources) List(_ context.Context) ([]*model.TrackedSource, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	sources := make([]*model.TrackedSource, 0, len(r.m.sources))
	for _, s := range r.m.sources {
		s := s
		sources = append(sources, &s)
	}
	return sources, nil
}

type memoryCheckpoints struct{ m *Memory }

func (r *memoryCheckpoints) GetByChainID(_ context.Context, chainID int64) (*model.BlockCheckpoint, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	cp, ok := r.m.checkpoints[chainID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return &cp, nil
}

func (r *memoryCheckpoints) Upsert(_ context.Context, checkpoint *model.BlockCheckpoint) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	now := time.Now().UnixMilli()
	checkpoint.ProcessedAt = now
	checkpoint.UpdatedAt = now
	if existing, ok := r.m.checkpoints[checkpoint.ChainID]; ok {
		checkpoint.ID = existing.ID
		checkpoint.CreatedAt = existing.CreatedAt
	} else {
		r.m.nextID++
		checkpoint.ID = r.m.nextID
		if checkpoint.CreatedAt == 0 {
			checkpoint.CreatedAt = now
		}
	}
	r.m.checkpoints[checkpoint.ChainID] = *checkpoint
	return nil
}
