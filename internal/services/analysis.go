package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/observability"
	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/sandbox"
	"github.com/tablechat/tablechat-backend/internal/types"
)

// AskRequest is the pipeline input. SessionID may be nil, in which
// case a new conversation is started.
type AskRequest struct {
	SessionID      *uuid.UUID
	UserID         string
	Message        string
	DataSourcePath string
	Tier           ModelTier
	UserPrompt     string
}

// ArtifactInfo describes one materialized artifact in the response.
type ArtifactInfo struct {
	ID           uuid.UUID `json:"id"`
	FileType     string    `json:"file_type"`
	IntroMessage string    `json:"intro_message"`
	DownloadURL  string    `json:"download_url"`
}

// AskResponse is the assembled pipeline output.
type AskResponse struct {
	SessionID uuid.UUID      `json:"session_id"`
	Response  string         `json:"response"`
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// AnalysisService runs the full question-to-answer pipeline: load the
// table, generate a script, execute it in the sandbox, materialize
// artifacts and assemble the reply.
type AnalysisService interface {
	Ask(ctx context.Context, req AskRequest) (*AskResponse, error)
}

type analysisService struct {
	db          *gorm.DB
	log         *logger.Logger
	bucket      gcp.BucketService
	engine      sandbox.Engine
	codegen     CodegenService
	captions    CaptionService
	sessionRepo repos.ChatSessionRepo
	messageRepo repos.ChatMessageRepo
	fileRepo    repos.GeneratedFileRepo
	sourceRepo  repos.DataSourceRepo
}

func NewAnalysisService(
	db *gorm.DB,
	baseLog *logger.Logger,
	bucket gcp.BucketService,
	engine sandbox.Engine,
	codegen CodegenService,
	captions CaptionService,
	sessionRepo repos.ChatSessionRepo,
	messageRepo repos.ChatMessageRepo,
	fileRepo repos.GeneratedFileRepo,
	sourceRepo repos.DataSourceRepo,
) AnalysisService {
	return &analysisService{
		db:          db,
		log:         baseLog.With("service", "AnalysisService"),
		bucket:      bucket,
		engine:      engine,
		codegen:     codegen,
		captions:    captions,
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		fileRepo:    fileRepo,
		sourceRepo:  sourceRepo,
	}
}

func (s *analysisService) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	ctx, span := otel.Tracer("tablechat/analysis").Start(ctx, "analysis.ask")
	defer span.End()
	start := time.Now()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("message required")
	}
	if strings.TrimSpace(req.DataSourcePath) == "" {
		return nil, fmt.Errorf("data_source_path required")
	}

	sessionID, err := s.ensureSession(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := s.messageRepo.Create(ctx, nil, []*types.ChatMessage{{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      types.MessageRoleUser,
		Content:   message,
	}}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	df, err := s.loadTable(ctx, s.resolveDataSource(ctx, req.DataSourcePath))
	if err != nil {
		return nil, err
	}

	question := message
	if strings.TrimSpace(req.UserPrompt) != "" {
		question = strings.TrimSpace(req.UserPrompt) + "\n\n" + message
	}

	script, err := s.codegen.GenerateScript(ctx, question, df.Names(), req.Tier)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Execute(ctx, script, df, message)
	if err != nil {
		return nil, &ExecutionError{Err: err}
	}

	artifacts := s.materializeArtifacts(ctx, sessionID, message, req.Tier, result)

	responseText := strings.TrimSpace(result.Output)
	switch {
	case responseText != "":
		// Printed output wins and becomes the bot reply regardless of
		// whether artifacts were also produced.
	case len(artifacts) > 0:
		responseText = ""
	default:
		responseText = FallbackResponseMessage
	}

	if responseText != "" {
		if _, err := s.messageRepo.Create(ctx, nil, []*types.ChatMessage{{
			ID:        uuid.New(),
			SessionID: sessionID,
			Role:      types.MessageRoleBot,
			Content:   responseText,
		}}); err != nil {
			return nil, fmt.Errorf("persist bot message: %w", err)
		}
	}

	s.log.Info("Analysis run completed",
		"session_id", sessionID,
		"artifacts", len(artifacts),
		"duration", time.Since(start).String(),
	)

	return &AskResponse{
		SessionID: sessionID,
		Response:  responseText,
		Artifacts: artifacts,
	}, nil
}

func (s *analysisService) ensureSession(ctx context.Context, req AskRequest) (uuid.UUID, error) {
	if req.SessionID != nil && *req.SessionID != uuid.Nil {
		session, err := s.sessionRepo.GetByID(ctx, nil, *req.SessionID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("load session: %w", err)
		}
		if !session.TitleLocked {
			if _, err := s.sessionRepo.SetTitleOnce(ctx, nil, session.ID, sessionTitleFrom(req.Message)); err != nil {
				s.log.Warn("Title update failed", "session_id", session.ID, "error", err)
			}
		}
		return session.ID, nil
	}

	session := &types.ChatSession{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Title:       sessionTitleFrom(req.Message),
		TitleLocked: true,
	}
	if _, err := s.sessionRepo.Create(ctx, nil, []*types.ChatSession{session}); err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return session.ID, nil
}

// resolveDataSource maps the request's table reference to a storage
// key. Registered names and keys win; an unregistered reference is
// used as a raw object key so ad-hoc uploads keep working.
func (s *analysisService) resolveDataSource(ctx context.Context, ref string) string {
	if source, err := s.sourceRepo.GetByName(ctx, nil, ref); err == nil {
		return source.ObjectKey
	}
	if source, err := s.sourceRepo.GetByObjectKey(ctx, nil, ref); err == nil {
		return source.ObjectKey
	}
	return ref
}

func (s *analysisService) loadTable(ctx context.Context, objectKey string) (dataframe.DataFrame, error) {
	rc, err := s.bucket.DownloadObject(ctx, gcp.BucketCategoryDataSource, objectKey)
	if err != nil {
		return dataframe.DataFrame{}, &StorageError{Op: "download", Err: err}
	}
	defer rc.Close()

	df := dataframe.ReadCSV(rc)
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("parse csv %q: %w", objectKey, df.Err)
	}
	if df.Nrow() == 0 || df.Ncol() == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("data source %q is empty", objectKey)
	}
	return df, nil
}

// materializeArtifacts persists each figure and table independently.
// One artifact failing rolls back only its own record, linking message
// and caption; the rest of the run is unaffected. Plots are handled
// first, in creation order, then exported tables.
func (s *analysisService) materializeArtifacts(ctx context.Context, sessionID uuid.UUID, message string, tier ModelTier, result *sandbox.Result) []ArtifactInfo {
	var artifacts []ArtifactInfo

	for _, fig := range result.Figures {
		meta := map[string]any{"title": fig.Title, "size_bytes": len(fig.PNG)}
		info, err := s.materializeOne(ctx, sessionID, message, tier, types.GeneratedFileTypePNG, fig.PNG, meta)
		if err != nil {
			s.log.Error("Figure materialization failed", "session_id", sessionID, "error", err)
			if metrics := observability.Current(); metrics != nil {
				metrics.IncArtifact(types.GeneratedFileTypePNG, "error")
			}
			continue
		}
		artifacts = append(artifacts, *info)
	}

	for _, table := range result.Tables {
		meta := map[string]any{"name": table.Name, "size_bytes": len(table.CSV)}
		info, err := s.materializeOne(ctx, sessionID, message, tier, types.GeneratedFileTypeCSV, table.CSV, meta)
		if err != nil {
			s.log.Error("Table materialization failed", "session_id", sessionID, "table", table.Name, "error", err)
			if metrics := observability.Current(); metrics != nil {
				metrics.IncArtifact(types.GeneratedFileTypeCSV, "error")
			}
			continue
		}
		artifacts = append(artifacts, *info)
	}

	return artifacts
}

func (s *analysisService) materializeOne(ctx context.Context, sessionID uuid.UUID, message string, tier ModelTier, fileType string, payload []byte, meta map[string]any) (*ArtifactInfo, error) {
	var info ArtifactInfo

	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode artifact metadata: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &types.GeneratedFile{
			ID:             uuid.New(),
			SessionID:      sessionID,
			OriginalPrompt: message,
			FileType:       fileType,
			Metadata:       datatypes.JSON(metadata),
		}
		if _, err := s.fileRepo.Create(ctx, tx, []*types.GeneratedFile{record}); err != nil {
			return fmt.Errorf("create file record: %w", err)
		}

		// The linking message carries only the record id; the read
		// model resolves it against the record at display time.
		if _, err := s.messageRepo.Create(ctx, tx, []*types.ChatMessage{{
			ID:         uuid.New(),
			SessionID:  sessionID,
			Role:       types.MessageRoleBot,
			Content:    record.ID.String(),
			IsFileInfo: true,
		}}); err != nil {
			return fmt.Errorf("create linking message: %w", err)
		}

		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		storagePath := fmt.Sprintf("generated/%s_%s.%s", record.ID, token, fileType)
		if err := s.bucket.UploadObject(ctx, gcp.BucketCategoryGenerated, storagePath, bytes.NewReader(payload)); err != nil {
			return &StorageError{Op: "upload", Err: err}
		}

		record.StoragePath = storagePath
		record.IntroMessage = s.captions.CaptionArtifact(ctx, fileType, message, tier)
		if err := s.fileRepo.Update(ctx, tx, record); err != nil {
			return fmt.Errorf("finalize file record: %w", err)
		}

		info = ArtifactInfo{
			ID:           record.ID,
			FileType:     fileType,
			IntroMessage: record.IntroMessage,
			DownloadURL:  s.bucket.GetPublicURL(gcp.BucketCategoryGenerated, storagePath),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.IncArtifact(fileType, "ok")
	}
	return &info, nil
}

// sessionTitleFrom derives a conversation title from the first user
// message, truncated to 25 characters. Truncation counts runes so a
// multi-byte message is never cut mid-character.
func sessionTitleFrom(message string) string {
	title := strings.TrimSpace(message)
	if runes := []rune(title); len(runes) > 25 {
		title = string(runes[:25]) + "..."
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}
