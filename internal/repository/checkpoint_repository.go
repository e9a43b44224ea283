package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 区块检查点仓储接口
type CheckpointRepository interface {
	GetByChainID(ctx context.Context, chainID int64) (*model.BlockCheckpoint, error)
	Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error
}

type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建区块检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) GetByChainID(ctx context.Context, chainID int64) (*model.BlockCheckpoint, error) {
	var checkpoint model.BlockCheckpoint
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error {
	now := time.Now().UnixMilli()
	checkpoint.ProcessedAt = now
	checkpoint.UpdatedAt = now
	if checkpoint.CreatedAt == 0 {
		checkpoint.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "processed_at", "updated_at"}),
	}).Create(checkpoint).Error
}
