package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/platform/apierr"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/types"
)

// FileAttachment is the resolved artifact behind a linking message.
// Deleted artifacts stay visible as placeholders.
type FileAttachment struct {
	ID           uuid.UUID `json:"id"`
	FileType     string    `json:"file_type"`
	IntroMessage string    `json:"intro_message"`
	DownloadURL  string    `json:"download_url,omitempty"`
	Deleted      bool      `json:"deleted"`
}

// MessageView is one conversation entry as shown to the client.
type MessageView struct {
	ID        uuid.UUID       `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	IsStopped bool            `json:"is_stopped,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	File      *FileAttachment `json:"file,omitempty"`
}

// SessionService covers the conversation surface outside the ask
// pipeline: reading history, titling, stop markers and deletion.
type SessionService interface {
	Messages(ctx context.Context, sessionID uuid.UUID) ([]MessageView, error)
	UpdateTitleOnce(ctx context.Context, sessionID uuid.UUID, title string) (bool, error)
	LogStopped(ctx context.Context, sessionID uuid.UUID) error
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error
}

type sessionService struct {
	db          *gorm.DB
	log         *logger.Logger
	bucket      gcp.BucketService
	sessionRepo repos.ChatSessionRepo
	messageRepo repos.ChatMessageRepo
	fileRepo    repos.GeneratedFileRepo
}

func NewSessionService(
	db *gorm.DB,
	baseLog *logger.Logger,
	bucket gcp.BucketService,
	sessionRepo repos.ChatSessionRepo,
	messageRepo repos.ChatMessageRepo,
	fileRepo repos.GeneratedFileRepo,
) SessionService {
	return &sessionService{
		db:          db,
		log:         baseLog.With("service", "SessionService"),
		bucket:      bucket,
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		fileRepo:    fileRepo,
	}
}

// Messages returns the ordered conversation, resolving each linking
// message against its artifact record. A deleted or missing record
// yields a placeholder entry, never an error.
func (s *sessionService) Messages(ctx context.Context, sessionID uuid.UUID) ([]MessageView, error) {
	if _, err := s.sessionRepo.GetByID(ctx, nil, sessionID); err != nil {
		return nil, apierr.NotFound("session_not_found", fmt.Errorf("load session: %w", err))
	}
	messages, err := s.messageRepo.ListBySession(ctx, nil, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var fileIDs []uuid.UUID
	for _, msg := range messages {
		if !msg.IsFileInfo {
			continue
		}
		if fileID, err := uuid.Parse(msg.Content); err == nil {
			fileIDs = append(fileIDs, fileID)
		}
	}
	records, err := s.fileRepo.GetByIDs(ctx, nil, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("load file records: %w", err)
	}
	recordsByID := make(map[uuid.UUID]*types.GeneratedFile, len(records))
	for _, record := range records {
		recordsByID[record.ID] = record
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		view := MessageView{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			IsStopped: msg.IsStopped,
			CreatedAt: msg.CreatedAt,
		}
		if msg.IsFileInfo {
			view.Content = ""
			view.File = s.resolveAttachment(msg.Content, recordsByID)
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *sessionService) resolveAttachment(rawID string, records map[uuid.UUID]*types.GeneratedFile) *FileAttachment {
	fileID, err := uuid.Parse(rawID)
	if err != nil {
		s.log.Warn("Linking message carries malformed file id", "content", rawID)
		return &FileAttachment{Deleted: true, IntroMessage: "This file is no longer available."}
	}
	record, ok := records[fileID]
	if !ok {
		return &FileAttachment{ID: fileID, Deleted: true, IntroMessage: "This file is no longer available."}
	}
	if record.IsDeleted {
		return &FileAttachment{
			ID:           record.ID,
			FileType:     record.FileType,
			IntroMessage: "This file has been deleted.",
			Deleted:      true,
		}
	}
	return &FileAttachment{
		ID:           record.ID,
		FileType:     record.FileType,
		IntroMessage: record.IntroMessage,
		DownloadURL:  s.bucket.GetPublicURL(gcp.BucketCategoryGenerated, record.StoragePath),
	}
}

// UpdateTitleOnce truncates and applies the title while the session is
// still unlocked. It reports whether the title was taken.
func (s *sessionService) UpdateTitleOnce(ctx context.Context, sessionID uuid.UUID, title string) (bool, error) {
	return s.sessionRepo.SetTitleOnce(ctx, nil, sessionID, sessionTitleFrom(title))
}

// LogStopped records a stop marker so the conversation shows where the
// user interrupted generation.
func (s *sessionService) LogStopped(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.messageRepo.Create(ctx, nil, []*types.ChatMessage{{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      types.MessageRoleBot,
		Content:   "Generation stopped by user.",
		IsStopped: true,
	}})
	if err != nil {
		return fmt.Errorf("record stop marker: %w", err)
	}
	return nil
}

// DeleteSession destroys a conversation outright: the file records,
// messages and session row are hard-deleted in one transaction, then
// stored objects are removed best-effort. Any object left behind is
// picked up by the reconciliation sweep.
func (s *sessionService) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	records, err := s.fileRepo.ListBySession(ctx, nil, sessionID)
	if err != nil {
		return fmt.Errorf("list file records: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.fileRepo.DeleteBySession(ctx, tx, sessionID); err != nil {
			return fmt.Errorf("delete file records: %w", err)
		}
		if err := s.messageRepo.DeleteBySession(ctx, tx, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := s.sessionRepo.HardDelete(ctx, tx, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.IsDeleted || record.StoragePath == "" {
			continue
		}
		if err := s.bucket.DeleteObject(ctx, gcp.BucketCategoryGenerated, record.StoragePath); err != nil {
			s.log.Warn("Object delete failed during session cascade",
				"file_id", record.ID,
				"storage_path", record.StoragePath,
				"error", err,
			)
		}
	}

	s.log.Info("Session deleted", "session_id", sessionID, "file_records", len(records))
	return nil
}
