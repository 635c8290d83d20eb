package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/evcenter/chatsync/internal/server/models"
)

// openTestStore connects to TEST_DATABASE_URL and skips when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	creator := models.Principal{UserID: "cust-1", Role: models.RoleCustomer}

	sess, err := s.CreateSession(ctx, creator, models.CreateSessionRequest{
		SessionType: "ai_assistant",
		Title:       "AI Assistant Chat",
		Metadata:    map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.Status != models.StatusActive || sess.Metadata["source"] != "test" {
		t.Errorf("session = %+v", sess)
	}

	p, err := s.GetParticipant(ctx, sess.ID, creator.UserID)
	if err != nil || p.Role != "creator" {
		t.Fatalf("GetParticipant() = %+v, %v", p, err)
	}

	added, err := s.AddParticipant(ctx, sess.ID, creator.UserID, creator.Role, "member")
	if err != nil || added {
		t.Errorf("AddParticipant() of existing member = %v, %v; want false", added, err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.SaveMessage(ctx, models.Message{SessionID: sess.ID, SenderID: creator.UserID, SenderType: creator.Role, Content: content}); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
	}
	page, err := s.ListMessages(ctx, sess.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page) != 2 || page[0].Content != "three" || page[1].Content != "two" {
		t.Errorf("newest page = %+v", page)
	}

	if err := s.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil || got.Status != models.StatusClosed {
		t.Errorf("GetSession() after close = %+v, %v", got, err)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
	if err := s.CloseSession(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CloseSession() error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetToken(ctx, -1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetToken() error = %v, want ErrNotFound", err)
	}
}

func TestEncodeDecodeMeta(t *testing.T) {
	raw, err := encodeMeta(nil)
	if err != nil || string(raw) != "{}" {
		t.Errorf("encodeMeta(nil) = %s, %v", raw, err)
	}
	meta, err := decodeMeta(nil)
	if err != nil || meta == nil || len(meta) != 0 {
		t.Errorf("decodeMeta(nil) = %v, %v", meta, err)
	}
	if _, err := decodeMeta([]byte("[1,2]")); err == nil {
		t.Error("decodeMeta() of array should fail")
	}
}
