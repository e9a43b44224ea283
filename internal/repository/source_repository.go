package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/model"
)

var ErrDuplicateSource = errors.New("duplicate tracked source")

// SourceRepository 动态事件源仓储接口
type SourceRepository interface {
	Create(ctx context.Context, source *model.TrackedSource) error
	List(ctx context.Context) ([]*model.TrackedSource, error)
}

type sourceRepository struct {
	*Repository
}

// NewSourceRepository 创建事件源仓储
func NewSourceRepository(db *gorm.DB) SourceRepository {
	return &sourceRepository{
		Repository: NewRepository(db),
	}
}

func (r *sourceRepository) Create(ctx context.Context, source *model.TrackedSource) error {
	if source.CreatedAt == 0 {
		source.CreatedAt = time.Now().UnixMilli()
	}

	err := r.DB(ctx).Create(source).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateSource
	}
	return err
}

func (r *sourceRepository) List(ctx context.Context) ([]*model.TrackedSource, error) {
	var sources []*model.TrackedSource
	err := r.DB(ctx).Order("id ASC").Find(&sources).Error
	return sources, err
}
