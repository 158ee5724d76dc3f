package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	OrphanMessages int
	OrphanObjects  int
}

// CleanupService reconciles the database and the object store: it
// removes messages whose session is gone and generated objects no live
// record points at. The sweep is safe to run while the API serves
// traffic because it only ever touches rows and objects nothing
// references.
type CleanupService interface {
	Sweep(ctx context.Context) (*SweepReport, error)
}

type cleanupService struct {
	db          *gorm.DB
	log         *logger.Logger
	bucket      gcp.BucketService
	messageRepo repos.ChatMessageRepo
	fileRepo    repos.GeneratedFileRepo
}

func NewCleanupService(
	db *gorm.DB,
	baseLog *logger.Logger,
	bucket gcp.BucketService,
	messageRepo repos.ChatMessageRepo,
	fileRepo repos.GeneratedFileRepo,
) CleanupService {
	return &cleanupService{
		db:          db,
		log:         baseLog.With("service", "CleanupService"),
		bucket:      bucket,
		messageRepo: messageRepo,
		fileRepo:    fileRepo,
	}
}

func (s *cleanupService) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	orphans, err := s.messageRepo.ListOrphaned(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list orphaned messages: %w", err)
	}
	orphanSessions := map[uuid.UUID]struct{}{}
	for _, msg := range orphans {
		orphanSessions[msg.SessionID] = struct{}{}
	}
	for sessionID := range orphanSessions {
		if err := s.messageRepo.DeleteBySession(ctx, nil, sessionID); err != nil {
			return nil, fmt.Errorf("delete orphaned messages for %s: %w", sessionID, err)
		}
	}
	report.OrphanMessages = len(orphans)

	livePaths, err := s.fileRepo.ListLiveStoragePaths(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list live storage paths: %w", err)
	}
	live := make(map[string]struct{}, len(livePaths))
	for _, p := range livePaths {
		live[p] = struct{}{}
	}

	keys, err := s.bucket.ListKeys(ctx, gcp.BucketCategoryGenerated, "generated/")
	if err != nil {
		return nil, fmt.Errorf("list generated objects: %w", err)
	}
	for _, key := range keys {
		if _, ok := live[key]; ok {
			continue
		}
		if err := s.bucket.DeleteObject(ctx, gcp.BucketCategoryGenerated, key); err != nil {
			s.log.Warn("Orphan object delete failed", "key", key, "error", err)
			continue
		}
		report.OrphanObjects++
	}

	s.log.Info("Reconciliation sweep finished",
		"orphan_messages", report.OrphanMessages,
		"orphan_objects", report.OrphanObjects,
	)
	return report, nil
}
