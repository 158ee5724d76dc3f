package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tablechat/tablechat-backend/internal/logger"
	"github.com/tablechat/tablechat-backend/internal/types"
)

// The production schema carries postgres defaults (uuid_generate_v4, jsonb),
// so the test schema is declared by hand instead of AutoMigrate.
const testSchema = `
CREATE TABLE chat_session (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	title_locked BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME,
	deleted_at DATETIME
);
CREATE TABLE chat_message (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	is_file_info BOOLEAN NOT NULL DEFAULT 0,
	is_stopped BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME
);
CREATE TABLE generated_file (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	original_prompt TEXT NOT NULL DEFAULT '',
	file_type TEXT NOT NULL,
	storage_path TEXT NOT NULL DEFAULT '',
	intro_message TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at DATETIME
);
CREATE TABLE data_source (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	object_key TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at DATETIME,
	updated_at DATETIME,
	deleted_at DATETIME
);
`

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(testSchema).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

func newSession(t *testing.T, repo ChatSessionRepo, userID string) *types.ChatSession {
	t.Helper()
	sessions, err := repo.Create(context.Background(), nil, []*types.ChatSession{
		{ID: uuid.New(), UserID: userID},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sessions[0]
}

func TestChatSessionRepo_SetTitleOnce(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	repo := NewChatSessionRepo(db, log)
	ctx := context.Background()

	sess := newSession(t, repo, "u1")

	applied, err := repo.SetTitleOnce(ctx, nil, sess.ID, "What is the average price?")
	if err != nil {
		t.Fatalf("SetTitleOnce: %v", err)
	}
	if !applied {
		t.Fatalf("first SetTitleOnce should apply")
	}

	applied, err = repo.SetTitleOnce(ctx, nil, sess.ID, "Different title")
	if err != nil {
		t.Fatalf("SetTitleOnce second call: %v", err)
	}
	if applied {
		t.Fatalf("second SetTitleOnce should not overwrite")
	}

	got, err := repo.GetByID(ctx, nil, sess.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Title != "What is the average price?" {
		t.Fatalf("title: want first title, got %q", got.Title)
	}
	if !got.TitleLocked {
		t.Fatalf("title should be locked")
	}
}

func TestChatSessionRepo_HardDeleteRemovesRow(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	repo := NewChatSessionRepo(db, log)
	ctx := context.Background()

	sess := newSession(t, repo, "u1")

	if err := repo.HardDelete(ctx, nil, sess.ID); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	if _, err := repo.GetByID(ctx, nil, sess.ID); err == nil {
		t.Fatalf("GetByID after delete should fail")
	}

	var count int64
	if err := db.Table("chat_session").Where("id = ?", sess.ID).Count(&count).Error; err != nil {
		t.Fatalf("raw count: %v", err)
	}
	if count != 0 {
		t.Fatalf("session row should be gone, count=%d", count)
	}
}

func TestChatMessageRepo_ListBySessionOrdersByCreation(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	sessions := NewChatSessionRepo(db, log)
	messages := NewChatMessageRepo(db, log)
	ctx := context.Background()

	sess := newSession(t, sessions, "u1")

	for _, content := range []string{"first", "second", "third"} {
		if _, err := messages.Create(ctx, nil, []*types.ChatMessage{
			{ID: uuid.New(), SessionID: sess.ID, Role: types.MessageRoleUser, Content: content},
		}); err != nil {
			t.Fatalf("create message %q: %v", content, err)
		}
	}

	got, err := messages.ListBySession(ctx, nil, sess.ID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("message count: want 3 got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Fatalf("message[%d]: want %q got %q", i, want, got[i].Content)
		}
	}
}

func TestChatMessageRepo_MarkStopped(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	sessions := NewChatSessionRepo(db, log)
	messages := NewChatMessageRepo(db, log)
	ctx := context.Background()

	sess := newSession(t, sessions, "u1")
	created, err := messages.Create(ctx, nil, []*types.ChatMessage{
		{ID: uuid.New(), SessionID: sess.ID, Role: types.MessageRoleUser, Content: "analyze this"},
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := messages.MarkStopped(ctx, nil, created[0].ID); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}

	got, err := messages.ListBySession(ctx, nil, sess.ID)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if !got[0].IsStopped {
		t.Fatalf("message should be marked stopped")
	}
}

func TestGeneratedFileRepo_LifecycleAndLivePaths(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	sessions := NewChatSessionRepo(db, log)
	files := NewGeneratedFileRepo(db, log)
	ctx := context.Background()

	sess := newSession(t, sessions, "u1")

	created, err := files.Create(ctx, nil, []*types.GeneratedFile{
		{ID: uuid.New(), SessionID: sess.ID, FileType: types.GeneratedFileTypePNG, StoragePath: "generated/a.png"},
		{ID: uuid.New(), SessionID: sess.ID, FileType: types.GeneratedFileTypeCSV, StoragePath: "generated/b.csv"},
	})
	if err != nil {
		t.Fatalf("create files: %v", err)
	}

	created[0].IntroMessage = "Here is the chart you asked for."
	if err := files.Update(ctx, nil, created[0]); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := files.GetByID(ctx, nil, created[0].ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.IntroMessage != "Here is the chart you asked for." {
		t.Fatalf("intro message not persisted, got %q", got.IntroMessage)
	}

	if err := files.MarkDeleted(ctx, nil, created[1].ID); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	paths, err := files.ListLiveStoragePaths(ctx, nil)
	if err != nil {
		t.Fatalf("ListLiveStoragePaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "generated/a.png" {
		t.Fatalf("live paths: want [generated/a.png] got %v", paths)
	}

	// The record itself must survive the soft marker.
	kept, err := files.GetByID(ctx, nil, created[1].ID)
	if err != nil {
		t.Fatalf("GetByID deleted record: %v", err)
	}
	if !kept.IsDeleted {
		t.Fatalf("record should carry is_deleted")
	}
}

func TestDataSourceRepo_GetByObjectKey(t *testing.T) {
	db := openTestDB(t)
	log := testLogger(t)
	repo := NewDataSourceRepo(db, log)
	ctx := context.Background()

	if _, err := repo.Create(ctx, nil, []*types.DataSource{
		{ID: uuid.New(), Name: "Sales", ObjectKey: "datasets/sales.csv"},
	}); err != nil {
		t.Fatalf("create data source: %v", err)
	}

	got, err := repo.GetByObjectKey(ctx, nil, "datasets/sales.csv")
	if err != nil {
		t.Fatalf("GetByObjectKey: %v", err)
	}
	if got.Name != "Sales" {
		t.Fatalf("name: want Sales got %q", got.Name)
	}

	if _, err := repo.GetByObjectKey(ctx, nil, "datasets/missing.csv"); err == nil {
		t.Fatalf("missing object key should error")
	}
}
