package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tablechat/tablechat-backend/internal/platform/gcp"
	"github.com/tablechat/tablechat-backend/internal/repos"
	"github.com/tablechat/tablechat-backend/internal/sandbox"
	"github.com/tablechat/tablechat-backend/internal/types"
)

// The production schema carries postgres defaults, so the test schema
// is declared by hand instead of AutoMigrate.
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

type fakeBucket struct {
	objects map[string][]byte
	// failAt makes the n-th upload (1-based) fail.
	failAt  int
	uploads int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) objectName(category gcp.BucketCategory, key string) string {
	return string(category) + "/" + key
}

func (b *fakeBucket) put(category gcp.BucketCategory, key string, payload []byte) {
	b.objects[b.objectName(category, key)] = payload
}

func (b *fakeBucket) UploadObject(ctx context.Context, category gcp.BucketCategory, key string, r io.Reader) error {
	b.uploads++
	if b.failAt > 0 && b.uploads == b.failAt {
		return fmt.Errorf("upload refused")
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.put(category, key, payload)
	return nil
}

func (b *fakeBucket) DeleteObject(ctx context.Context, category gcp.BucketCategory, key string) error {
	name := b.objectName(category, key)
	if _, ok := b.objects[name]; !ok {
		return fmt.Errorf("object %s not found", name)
	}
	delete(b.objects, name)
	return nil
}

func (b *fakeBucket) DownloadObject(ctx context.Context, category gcp.BucketCategory, key string) (io.ReadCloser, error) {
	payload, ok := b.objects[b.objectName(category, key)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", category, key)
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (b *fakeBucket) ListKeys(ctx context.Context, category gcp.BucketCategory, prefix string) ([]string, error) {
	var keys []string
	for name := range b.objects {
		key := strings.TrimPrefix(name, string(category)+"/")
		if key != name && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fakeBucket) GetPublicURL(category gcp.BucketCategory, key string) string {
	return "https://cdn.test/" + string(category) + "/" + key
}

type fakeEngine struct {
	result   *sandbox.Result
	err      error
	script   string
	question string
}

func (e *fakeEngine) Execute(ctx context.Context, script string, df dataframe.DataFrame, question string) (*sandbox.Result, error) {
	e.script = script
	e.question = question
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

type fakeCodegen struct {
	script string
	err    error
}

func (c *fakeCodegen) GenerateScript(ctx context.Context, question string, columns []string, tier ModelTier) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.script, nil
}

type fakeCaption struct{}

func (fakeCaption) CaptionArtifact(ctx context.Context, fileType, userMessage string, tier ModelTier) string {
	return "caption for " + fileType
}

type analysisFixture struct {
	db       *gorm.DB
	svc      AnalysisService
	bucket   *fakeBucket
	engine   *fakeEngine
	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
	files    repos.GeneratedFileRepo
	sources  repos.DataSourceRepo
}

const fixtureCSV = "region,units\nnorth,10\nsouth,20\n"

func newAnalysisFixture(t *testing.T, result *sandbox.Result) *analysisFixture {
	t.Helper()
	db := openTestDB(t)
	log := testLogger(t)
	bucket := newFakeBucket()
	bucket.put(gcp.BucketCategoryDataSource, "datasource/sales.csv", []byte(fixtureCSV))

	engine := &fakeEngine{result: result}
	sessions := repos.NewChatSessionRepo(db, log)
	messages := repos.NewChatMessageRepo(db, log)
	files := repos.NewGeneratedFileRepo(db, log)
	sources := repos.NewDataSourceRepo(db, log)

	svc := NewAnalysisService(db, log, bucket, engine,
		&fakeCodegen{script: `print("ok")`}, fakeCaption{},
		sessions, messages, files, sources)

	return &analysisFixture{
		db:       db,
		svc:      svc,
		bucket:   bucket,
		engine:   engine,
		sessions: sessions,
		messages: messages,
		files:    files,
		sources:  sources,
	}
}

func (f *analysisFixture) ask(t *testing.T, message string) *AskResponse {
	t.Helper()
	resp, err := f.svc.Ask(context.Background(), AskRequest{
		Message:        message,
		DataSourcePath: "datasource/sales.csv",
		Tier:           ModelTierStandard,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	return resp
}

func pngPayload() []byte {
	return []byte("\x89PNG\r\n\x1a\nfake")
}

func TestAsk_PrintedOutputWinsOverArtifacts(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{
		Output:  "The answer is 42.\n",
		Figures: []sandbox.RenderedFigure{{Title: "t", PNG: pngPayload()}},
	})

	resp := fx.ask(t, "what is the answer?")
	if resp.Response != "The answer is 42." {
		t.Fatalf("Response = %q", resp.Response)
	}
	if len(resp.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(resp.Artifacts))
	}

	msgs, err := fx.messages.ListBySession(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// User message, linking message, bot text message.
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
}

func TestAsk_ArtifactsOnlyYieldsEmptyText(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{
		Figures: []sandbox.RenderedFigure{{Title: "t", PNG: pngPayload()}},
	})

	resp := fx.ask(t, "plot it")
	if resp.Response != "" {
		t.Fatalf("Response = %q, want empty", resp.Response)
	}
	if len(resp.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(resp.Artifacts))
	}
	art := resp.Artifacts[0]
	if art.FileType != types.GeneratedFileTypePNG {
		t.Fatalf("FileType = %q", art.FileType)
	}
	if art.IntroMessage != "caption for png" {
		t.Fatalf("IntroMessage = %q", art.IntroMessage)
	}

	record, err := fx.files.GetByID(context.Background(), nil, art.ID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if record.StoragePath == "" || !strings.HasPrefix(record.StoragePath, "generated/") || !strings.HasSuffix(record.StoragePath, ".png") {
		t.Fatalf("StoragePath = %q", record.StoragePath)
	}
	if _, ok := fx.bucket.objects["generated/"+record.StoragePath]; !ok {
		t.Fatalf("object %q not uploaded", record.StoragePath)
	}

	msgs, err := fx.messages.ListBySession(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// User message and linking message only; no separate bot text.
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	var linking *types.ChatMessage
	for _, m := range msgs {
		if m.IsFileInfo {
			linking = m
		}
	}
	if linking == nil {
		t.Fatalf("no linking message found")
	}
	if linking.Content != art.ID.String() {
		t.Fatalf("linking content = %q, want record id %s", linking.Content, art.ID)
	}
}

func TestAsk_NoOutputNoArtifactsUsesFallback(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{})

	resp := fx.ask(t, "do nothing")
	if resp.Response != FallbackResponseMessage {
		t.Fatalf("Response = %q, want fallback", resp.Response)
	}

	msgs, err := fx.messages.ListBySession(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (user + fallback bot)", len(msgs))
	}
	var botTexts []string
	for _, m := range msgs {
		if m.Role == types.MessageRoleBot {
			botTexts = append(botTexts, m.Content)
		}
	}
	if len(botTexts) != 1 || botTexts[0] != FallbackResponseMessage {
		t.Fatalf("bot messages = %v", botTexts)
	}
}

func TestAsk_FailedUploadRollsBackOnlyThatArtifact(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{
		Figures: []sandbox.RenderedFigure{
			{Title: "first", PNG: pngPayload()},
			{Title: "second", PNG: pngPayload()},
		},
		Tables: []sandbox.NamedTable{
			{Name: "summary", CSV: []byte("a,b\n1,2\n")},
		},
	})
	// Second upload (the second plot) fails; the first plot and the
	// table still materialize.
	fx.bucket.failAt = 2

	resp := fx.ask(t, "two charts and a table")
	if len(resp.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(resp.Artifacts))
	}
	kinds := []string{resp.Artifacts[0].FileType, resp.Artifacts[1].FileType}
	if kinds[0] != types.GeneratedFileTypePNG || kinds[1] != types.GeneratedFileTypeCSV {
		t.Fatalf("artifact kinds = %v, want [png csv]", kinds)
	}

	records, err := fx.files.ListBySession(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("file records = %d, want 2 (failed artifact rolled back)", len(records))
	}

	msgs, err := fx.messages.ListBySession(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	linking := 0
	for _, m := range msgs {
		if m.IsFileInfo {
			linking++
		}
	}
	if linking != 2 {
		t.Fatalf("linking messages = %d, want 2", linking)
	}
}

func TestAsk_NewSessionGetsTruncatedTitle(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{Output: "ok"})

	resp := fx.ask(t, "please summarize the quarterly revenue table")
	session, err := fx.sessions.GetByID(context.Background(), nil, resp.SessionID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Title != "please summarize the quar..." {
		t.Fatalf("Title = %q", session.Title)
	}
	if !session.TitleLocked {
		t.Fatalf("TitleLocked = false, want true")
	}
}

func TestSessionTitleFrom_TruncatesOnRunes(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"short stays intact", "show revenue", "show revenue"},
		{"long ascii is cut at 25", "please summarize the quarterly revenue", "please summarize the quar..."},
		{"multibyte is cut at 25 runes", strings.Repeat("地域別売上", 6), strings.Repeat("地域別売上", 5) + "..."},
		{"blank falls back", "   ", "New conversation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sessionTitleFrom(tc.message)
			if got != tc.want {
				t.Fatalf("sessionTitleFrom = %q, want %q", got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("title is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestAsk_ResolvesRegisteredDataSourceName(t *testing.T) {
	fx := newAnalysisFixture(t, &sandbox.Result{Output: "ok"})
	if _, err := fx.sources.Create(context.Background(), nil, []*types.DataSource{{
		ID:        uuid.New(),
		Name:      "sales",
		ObjectKey: "datasource/sales.csv",
	}}); err != nil {
		t.Fatalf("register source: %v", err)
	}

	resp, err := fx.svc.Ask(context.Background(), AskRequest{
		Message:        "how many rows?",
		DataSourcePath: "sales",
		Tier:           ModelTierStandard,
	})
	if err != nil {
		t.Fatalf("Ask returned error: %v", err)
	}
	if resp.Response != "ok" {
		t.Fatalf("Response = %q", resp.Response)
	}
}

func TestAsk_ExecutionFailureIsTyped(t *testing.T) {
	fx := newAnalysisFixture(t, nil)
	fx.engine.err = fmt.Errorf("script execution failed: boom")

	_, err := fx.svc.Ask(context.Background(), AskRequest{
		Message:        "q",
		DataSourcePath: "datasource/sales.csv",
	})
	if err == nil {
		t.Fatalf("Ask succeeded, want execution error")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecutionError", err)
	}
}
