package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/types"
)

type sessionFixture struct {
	db       *gorm.DB
	svc      SessionService
	bucket   *fakeBucket
	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
	files    repos.GeneratedFileRepo
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	db := openTestDB(t)
	log := testLogger(t)
	bucket := newFakeBucket()
	sessions := repos.NewChatSessionRepo(db, log)
	messages := repos.NewChatMessageRepo(db, log)
	files := repos.NewGeneratedFileRepo(db, log)
	svc := NewSessionService(db, log, bucket, sessions, messages, files)
	return &sessionFixture{db: db, svc: svc, bucket: bucket, sessions: sessions, messages: messages, files: files}
}

func (f *sessionFixture) seedSession(t *testing.T) uuid.UUID {
	t.Helper()
	session := &types.ChatSession{ID: uuid.New(), Title: "seed"}
	if _, err := f.sessions.Create(context.Background(), nil, []*types.ChatSession{session}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session.ID
}

func (f *sessionFixture) seedArtifact(t *testing.T, sessionID uuid.UUID, deleted bool) *types.GeneratedFile {
	t.Helper()
	record := &types.GeneratedFile{
		ID:           uuid.New(),
		SessionID:    sessionID,
		FileType:     types.GeneratedFileTypePNG,
		StoragePath:  "generated/" + uuid.NewString() + ".png",
		IntroMessage: "a chart",
		IsDeleted:    deleted,
	}
	if _, err := f.files.Create(context.Background(), nil, []*types.GeneratedFile{record}); err != nil {
		t.Fatalf("seed file record: %v", err)
	}
	if !deleted {
		f.bucket.put(gcp.BucketCategoryGenerated, record.StoragePath, []byte("png"))
	}
	if _, err := f.messages.Create(context.Background(), nil, []*types.ChatMessage{{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Role:       types.MessageRoleBot,
		Content:    record.ID.String(),
		IsFileInfo: true,
	}}); err != nil {
		t.Fatalf("seed linking message: %v", err)
	}
	return record
}

func TestMessages_ResolvesLiveAttachment(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)
	record := fx.seedArtifact(t, sessionID, false)

	views, err := fx.svc.Messages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Messages returned error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	view := views[0]
	if view.File == nil {
		t.Fatalf("attachment not resolved")
	}
	if view.Content != "" {
		t.Fatalf("linking message content leaked: %q", view.Content)
	}
	if view.File.ID != record.ID || view.File.Deleted {
		t.Fatalf("attachment = %+v", view.File)
	}
	if view.File.DownloadURL == "" {
		t.Fatalf("live attachment missing download URL")
	}
	if view.File.IntroMessage != "a chart" {
		t.Fatalf("IntroMessage = %q", view.File.IntroMessage)
	}
}

func TestMessages_DeletedAttachmentBecomesPlaceholder(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)
	fx.seedArtifact(t, sessionID, true)

	views, err := fx.svc.Messages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Messages returned error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %d, want 1", len(views))
	}
	file := views[0].File
	if file == nil || !file.Deleted {
		t.Fatalf("attachment = %+v, want deleted placeholder", file)
	}
	if file.DownloadURL != "" {
		t.Fatalf("deleted attachment should not expose a URL")
	}
}

func TestMessages_MissingRecordBecomesPlaceholder(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)
	if _, err := fx.messages.Create(context.Background(), nil, []*types.ChatMessage{{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Role:       types.MessageRoleBot,
		Content:    uuid.NewString(),
		IsFileInfo: true,
	}}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	views, err := fx.svc.Messages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Messages returned error: %v", err)
	}
	if len(views) != 1 || views[0].File == nil || !views[0].File.Deleted {
		t.Fatalf("views = %+v, want a single placeholder entry", views)
	}
}

func TestUpdateTitleOnce_LocksAfterFirstUpdate(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)

	applied, err := fx.svc.UpdateTitleOnce(context.Background(), sessionID, "a very long first user message for titling")
	if err != nil {
		t.Fatalf("UpdateTitleOnce returned error: %v", err)
	}
	if !applied {
		t.Fatalf("first update not applied")
	}

	applied, err = fx.svc.UpdateTitleOnce(context.Background(), sessionID, "second attempt")
	if err != nil {
		t.Fatalf("second UpdateTitleOnce returned error: %v", err)
	}
	if applied {
		t.Fatalf("second update applied, want locked")
	}

	session, err := fx.sessions.GetByID(context.Background(), nil, sessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Title != "a very long first user me..." {
		t.Fatalf("Title = %q", session.Title)
	}
}

func TestLogStopped_RecordsMarkerMessage(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)

	if err := fx.svc.LogStopped(context.Background(), sessionID); err != nil {
		t.Fatalf("LogStopped returned error: %v", err)
	}
	msgs, err := fx.messages.ListBySession(context.Background(), nil, sessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsStopped {
		t.Fatalf("messages = %+v, want one stop marker", msgs)
	}
}

func TestDeleteSession_CascadesRecordsAndObjects(t *testing.T) {
	fx := newSessionFixture(t)
	sessionID := fx.seedSession(t)
	record := fx.seedArtifact(t, sessionID, false)

	if err := fx.svc.DeleteSession(context.Background(), sessionID); err != nil {
		t.Fatalf("DeleteSession returned error: %v", err)
	}

	if _, err := fx.sessions.GetByID(context.Background(), nil, sessionID); err == nil {
		t.Fatalf("session still visible after delete")
	}
	msgs, err := fx.messages.ListBySession(context.Background(), nil, sessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
	if _, err := fx.files.GetByID(context.Background(), nil, record.ID); err == nil {
		t.Fatalf("file record still loadable after session delete")
	}

	// Destruction is hard: no row of the conversation may survive, not
	// even behind a deleted_at marker.
	rowCounts := []struct {
		table  string
		column string
	}{
		{"chat_session", "id"},
		{"chat_message", "session_id"},
		{"generated_file", "session_id"},
	}
	for _, rc := range rowCounts {
		var n int64
		if err := fx.db.Table(rc.table).Where(rc.column+" = ?", sessionID).Count(&n).Error; err != nil {
			t.Fatalf("count %s: %v", rc.table, err)
		}
		if n != 0 {
			t.Fatalf("%s rows remain after session delete: %d", rc.table, n)
		}
	}
	if len(fx.bucket.objects) != 0 {
		t.Fatalf("stored objects remain: %v", fx.bucket.objects)
	}
}
