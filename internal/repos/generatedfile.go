package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/types"
)

type GeneratedFileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, files []*types.GeneratedFile) ([]*types.GeneratedFile, error)
	GetByID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) (*types.GeneratedFile, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) ([]*types.GeneratedFile, error)
	ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.GeneratedFile, error)
	Update(ctx context.Context, tx *gorm.DB, file *types.GeneratedFile) error
	MarkDeleted(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) error
	DeleteBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) error
	ListLiveStoragePaths(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type generatedFileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGeneratedFileRepo(db *gorm.DB, baseLog *logger.Logger) GeneratedFileRepo {
	repoLog := baseLog.With("repo", "GeneratedFileRepo")
	return &generatedFileRepo{db: db, log: repoLog}
}

func (r *generatedFileRepo) Create(ctx context.Context, tx *gorm.DB, files []*types.GeneratedFile) ([]*types.GeneratedFile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(files) == 0 {
		return []*types.GeneratedFile{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (r *generatedFileRepo) GetByID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) (*types.GeneratedFile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var result types.GeneratedFile
	if err := transaction.WithContext(ctx).
		Where("id = ?", fileID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *generatedFileRepo) GetByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) ([]*types.GeneratedFile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.GeneratedFile
	if len(fileIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", fileIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *generatedFileRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.GeneratedFile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.GeneratedFile
	if err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *generatedFileRepo) Update(ctx context.Context, tx *gorm.DB, file *types.GeneratedFile) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Save(file).Error
}

func (r *generatedFileRepo) MarkDeleted(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.GeneratedFile{}).
		Where("id = ?", fileID).
		Update("is_deleted", true).Error
}

// DeleteBySession removes every file row of a session. Only the
// session cascade calls this; individual file deletion keeps the row
// and marks it deleted instead.
func (r *generatedFileRepo) DeleteBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&types.GeneratedFile{}).Error
}

// ListLiveStoragePaths returns storage keys still referenced by non-deleted
// records. The cleanup sweep deletes bucket objects outside this set.
func (r *generatedFileRepo) ListLiveStoragePaths(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var paths []string
	if err := transaction.WithContext(ctx).
		Model(&types.GeneratedFile{}).
		Where("is_deleted = ? AND storage_path <> ''", false).
		Pluck("storage_path", &paths).Error; err != nil {
		return nil, err
	}
	return paths, nil
}
