package repository

import (
	"gorm.io/gorm"
)

// Store 索引器使用的全部仓储
type Store struct {
	Transactor  Transactor
	Positions   PositionRepository
	Purchases   PurchaseRepository
	Sources     SourceRepository
	Checkpoints CheckpointRepository
}

// NewPostgresStore 基于 gorm 的存储
func NewPostgresStore(db *gorm.DB) *Store {
	return &Store{
		Transactor:  NewRepository(db),
		Positions:   NewPositionRepository(db),
		Purchases:   NewPurchaseRepository(db),
		Sources:     NewSourceRepository(db),
		Checkpoints: NewCheckpointRepository(db),
	}
}

// NewMemoryStore 内存存储，用于本地运行和测试
func NewMemoryStore() *Store {
	m := NewMemory()
	return &Store{
		Transactor:  m,
		Positions:   m.Positions(),
		Purchases:   m.Purchases(),
		Sources:     m.Sources(),
		Checkpoints: m.Checkpoints(),
	}
}
