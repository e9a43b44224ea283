package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
)

var (
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrDuplicatePurchase = errors.New("duplicate purchase")
)

// PurchaseRepository 购买记录仓储接口
type PurchaseRepository interface {
	Get(ctx context.Context, id string) (*model.OptionPurchase, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Put 只插入，id 已存在返回 ErrDuplicatePurchase
	Put(ctx context.Context, purchase *model.OptionPurchase) error
	ListByPosition(ctx context.Context, positionID string) ([]*model.OptionPurchase, error)
	SumPremiumByPosition(ctx context.Context, positionID string) (model.BigInt, error)
}

type purchaseRepository struct {
	*Repository
}

// NewPurchaseRepository 创建购买记录仓储
func NewPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &purchaseRepository{
		Repository: NewRepository(db),
	}
}

func (r *purchaseRepository) Get(ctx context.Context, id string) (*model.OptionPurchase, error) {
	var purchase model.OptionPurchase
	err := r.DB(ctx).Where("id = ?", id).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *purchaseRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.OptionPurchase{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (r *purchaseRepository) Put(ctx context.Context, purchase *model.OptionPurchase) error {
	if purchase.CreatedAt == 0 {
		purchase.CreatedAt = time.Now().UnixMilli()
	}

	err := r.DB(ctx).Create(purchase).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicatePurchase
	}
	return err
}

func (r *purchaseRepository) ListByPosition(ctx context.Context, positionID string) ([]*model.OptionPurchase, error) {
	var purchases []*model.OptionPurchase
	err := r.DB(ctx).
		Where("instrument_position = ?", positionID).
		Order("block_number ASC, log_index ASC").
		Find(&purchases).Error
	return purchases, err
}

func (r *purchaseRepository) SumPremiumByPosition(ctx context.Context, positionID string) (model.BigInt, error) {
	var sum model.BigInt
	err := r.DB(ctx).Model(&model.OptionPurchase{}).
		Select("COALESCE(SUM(premium), 0)").
		Where("instrument_position = ?", positionID).
		Row().Scan(&sum)
	return sum, err
}
