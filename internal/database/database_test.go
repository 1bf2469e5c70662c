package database

import (
	"context"
	"errors"
	"testing"

	"github.com/callsight/callsight/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	u := &models.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "x",
		Role:         models.RoleAgent,
		Extension:    "2001",
	}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := repo.GetByExtension(ctx, "2001")
	if err != nil {
		t.Fatalf("getting user by extension: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want alice", got.Username)
	}

	if _, err := repo.GetByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}

func TestUserUniqueness(t *testing.T) {
	db := openTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	u := &models.User{Username: "bob", Email: "bob@example.com", PasswordHash: "x", Role: models.RoleAgent}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("creating user: %v", err)
	}

	dup := &models.User{Username: "bob", Email: "other@example.com", PasswordHash: "x", Role: models.RoleAgent}
	if err := repo.Create(ctx, dup); err == nil {
		t.Error("expected uniqueness violation for duplicate username")
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewExtensionRepository(db)
	ctx := context.Background()

	ext := &models.Extension{Extension: "2001", Number: "PJSIP/2001"}
	if err := repo.Create(ctx, ext); err != nil {
		t.Fatalf("creating extension: %v", err)
	}

	got, err := repo.GetByExtension(ctx, "2001")
	if err != nil {
		t.Fatalf("getting extension: %v", err)
	}
	if got.Number != "PJSIP/2001" {
		t.Errorf("Number = %q", got.Number)
	}

	got.Number = "PJSIP/2001-b"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("updating extension: %v", err)
	}
	if err := repo.Delete(ctx, got.ID); err != nil {
		t.Fatalf("deleting extension: %v", err)
	}
	if err := repo.Delete(ctx, got.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestConversationWithTranscript(t *testing.T) {
	db := openTestDB(t)
	users := NewUserRepository(db)
	convs := NewConversationRepository(db)
	ctx := context.Background()

	from := &models.User{Username: "caller", Email: "c@example.com", PasswordHash: "x", Role: models.RoleAgent, Extension: "1001"}
	to := &models.User{Username: "agent", Email: "a@example.com", PasswordHash: "x", Role: models.RoleAgent, Extension: "2001"}
	for _, u := range []*models.User{from, to} {
		if err := users.Create(ctx, u); err != nil {
			t.Fatalf("creating user: %v", err)
		}
	}

	conv := &models.Conversation{
		FromUserID: from.ID,
		ToUserID:   to.ID,
		Type:       models.ConversationAgentToCustomer,
		Status:     "closed",
		RecordURL:  "https://pbx/ari/recordings/stored/c1/file",
		Summary:    "billing question",
		Mood:       models.MoodNeutral,
	}
	msgs := []models.Message{
		{Speaker: "caller", Content: "hi", Mood: models.MoodNeutral, Ord: 0, StartMS: 0, EndMS: 900},
		{Speaker: "agent", Content: "hello", Mood: models.MoodPositive, Ord: 1, StartMS: 1000, EndMS: 1800},
	}
	if err := convs.Create(ctx, conv, msgs); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}

	gotMsgs, err := convs.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("loading transcript: %v", err)
	}
	if len(gotMsgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(gotMsgs))
	}
	if gotMsgs[0].Content != "hi" || gotMsgs[1].Content != "hello" {
		t.Errorf("transcript out of order: %+v", gotMsgs)
	}

	byUser, err := convs.ListByUser(ctx, to.ID)
	if err != nil {
		t.Fatalf("listing by user: %v", err)
	}
	if len(byUser) != 1 {
		t.Errorf("len(byUser) = %d, want 1", len(byUser))
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db)
	ctx := context.Background()

	doc := &models.Document{Name: "c1.wav", Path: "recordings/c1.wav", Size: 1024, ContentType: "audio/wav", UploadedBy: "caller"}
	if err := repo.Create(ctx, doc); err != nil {
		t.Fatalf("creating document: %v", err)
	}

	got, err := repo.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("getting document: %v", err)
	}
	if got.Path != "recordings/c1.wav" {
		t.Errorf("Path = %q", got.Path)
	}
}
