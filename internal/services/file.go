package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/platform/apierr"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
)

// FileService manages generated artifacts after the run that produced
// them: deletion and download resolution.
type FileService interface {
	Delete(ctx context.Context, fileID uuid.UUID) error
	DownloadURL(ctx context.Context, fileID uuid.UUID) (string, error)
}

type fileService struct {
	db       *gorm.DB
	log      *logger.Logger
	bucket   gcp.BucketService
	fileRepo repos.GeneratedFileRepo
}

func NewFileService(db *gorm.DB, baseLog *logger.Logger, bucket gcp.BucketService, fileRepo repos.GeneratedFileRepo) FileService {
	return &fileService{
		db:       db,
		log:      baseLog.With("service", "FileService"),
		bucket:   bucket,
		fileRepo: fileRepo,
	}
}

// Delete removes the stored object first and soft-deletes the record
// only when that succeeds. A failed object delete leaves the record
// live so the artifact never becomes unreachable while still stored.
func (fs *fileService) Delete(ctx context.Context, fileID uuid.UUID) error {
	record, err := fs.fileRepo.GetByID(ctx, nil, fileID)
	if err != nil {
		return fmt.Errorf("load file record: %w", err)
	}
	if record.IsDeleted {
		return nil
	}

	if record.StoragePath != "" {
		if err := fs.bucket.DeleteObject(ctx, gcp.BucketCategoryGenerated, record.StoragePath); err != nil {
			return &StorageError{Op: "delete", Err: err}
		}
	}

	if err := fs.fileRepo.MarkDeleted(ctx, nil, fileID); err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}
	fs.log.Info("Generated file deleted", "file_id", fileID, "storage_path", record.StoragePath)
	return nil
}

// DownloadURL resolves a live record to its public URL.
func (fs *fileService) DownloadURL(ctx context.Context, fileID uuid.UUID) (string, error) {
	record, err := fs.fileRepo.GetByID(ctx, nil, fileID)
	if err != nil {
		return "", apierr.NotFound("file_not_found", fmt.Errorf("load file record: %w", err))
	}
	if record.IsDeleted || record.StoragePath == "" {
		return "", apierr.NotFound("file_deleted", fmt.Errorf("file %s is no longer available", fileID))
	}
	return fs.bucket.GetPublicURL(gcp.BucketCategoryGenerated, record.StoragePath), nil
}
