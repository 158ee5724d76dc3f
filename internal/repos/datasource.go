package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/types"
)

type DataSourceRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sources []*types.DataSource) ([]*types.DataSource, error)
	GetByID(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) (*types.DataSource, error)
	GetByObjectKey(ctx context.Context, tx *gorm.DB, objectKey string) (*types.DataSource, error)
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.DataSource, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.DataSource, error)
	SoftDelete(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) error
}

type dataSourceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDataSourceRepo(db *gorm.DB, baseLog *logger.Logger) DataSourceRepo {
	repoLog := baseLog.With("repo", "DataSourceRepo")
	return &dataSourceRepo{db: db, log: repoLog}
}

func (r *dataSourceRepo) Create(ctx context.Context, tx *gorm.DB, sources []*types.DataSource) ([]*types.DataSource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(sources) == 0 {
		return []*types.DataSource{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (r *dataSourceRepo) GetByID(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) (*types.DataSource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var result types.DataSource
	if err := transaction.WithContext(ctx).
		Where("id = ?", sourceID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *dataSourceRepo) GetByObjectKey(ctx context.Context, tx *gorm.DB, objectKey string) (*types.DataSource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var result types.DataSource
	if err := transaction.WithContext(ctx).
		Where("object_key = ?", objectKey).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *dataSourceRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.DataSource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var result types.DataSource
	if err := transaction.WithContext(ctx).
		Where("name = ?", name).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *dataSourceRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.DataSource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.DataSource
	if err := transaction.WithContext(ctx).
		Order("name ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *dataSourceRepo) SoftDelete(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("id = ?", sourceID).
		Delete(&types.DataSource{}).Error
}
