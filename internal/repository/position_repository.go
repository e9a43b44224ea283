package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
)

var ErrPositionNotFound = errors.New("position not found")

// PositionRepository 持仓仓储接口
type PositionRepository interface {
	Get(ctx context.Context, id string) (*model.InstrumentPosition, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Put 按 id 写入，已存在则覆盖
	Put(ctx context.Context, position *model.InstrumentPosition) error
}

type positionRepository struct {
	*Repository
}

// NewPositionRepository 创建持仓仓储
func NewPositionRepository(db *gorm.DB) PositionRepository {
	return &positionRepository{
		Repository: NewRepository(db),
	}
}

func (r *positionRepository) Get(ctx context.Context, id string) (*model.InstrumentPosition, error) {
	var position model.InstrumentPosition
	err := r.DB(ctx).Where("id = ?", id).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

func (r *positionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.InstrumentPosition{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (r *positionRepository) Put(ctx context.Context, position *model.InstrumentPosition) error {
	now := time.Now().UnixMilli()
	position.UpdatedAt = now
	if position.CreatedAt == 0 {
		position.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"position_id", "account", "instrument", "cost", "opened", "block_number", "updated_at",
		}),
	}).Create(position).Error
}
