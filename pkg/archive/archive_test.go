package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pario-ai/parley/pkg/models"
)

func newTestArchive(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRecent(t *testing.T) {
	s := newTestArchive(t)
	ctx := context.Background()

	for i := range 5 {
		msg := models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i), ApproxTokens: 1}
		if err := s.SaveMessage(ctx, "u1", "s1", msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveMessage(ctx, "u1", "other", models.Message{Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.LoadRecent(ctx, "u1", "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if msgs[i].Content != want {
			t.Errorf("message %d: expected %s, got %s", i, want, msgs[i].Content)
		}
	}
	if msgs[0].CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestLoadRecentUnknownSession(t *testing.T) {
	s := newTestArchive(t)
	msgs, err := s.LoadRecent(context.Background(), "nobody", "nothing", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestSessions(t *testing.T) {
	s := newTestArchive(t)
	ctx := context.Background()
	for _, sess := range []string{"a", "b", "a"} {
		if err := s.SaveMessage(ctx, "u1", sess, models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.Sessions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" {
		t.Errorf("expected [a b], got %v", ids)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestArchive(t)
	ctx := context.Background()
	for _, sess := range []string{"a", "a", "b"} {
		if err := s.SaveMessage(ctx, "u1", sess, models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteSession(ctx, "u1", "a"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.LoadRecent(ctx, "u1", "a", 10); len(msgs) != 0 {
		t.Errorf("expected session a deleted, got %d", len(msgs))
	}
	if msgs, _ := s.LoadRecent(ctx, "u1", "b", 10); len(msgs) != 1 {
		t.Errorf("expected session b untouched, got %d", len(msgs))
	}
	if err := s.DeleteSession(ctx, "u1", "missing"); err != nil {
		t.Errorf("deleting an unknown session should succeed, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres query %q", got)
	}
	my := &Store{driver: DriverMySQL}
	if got := my.rebind("a = ?"); got != "a = ?" {
		t.Errorf("mysql query should be unchanged, got %q", got)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", ""); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
