package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/parley/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
		MaxBodySize:   1024,
		Include:       []string{"prompts", "responses"},
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		RequestID:        "req-001",
		UserID:           "u1",
		SessionID:        "sess-1",
		Tier:             "free",
		Model:            "gpt-4o",
		Provider:         "openai",
		Prompt:           "what is the capital of France?",
		Response:         "Paris.",
		Outcome:          "ok",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		LatencyMs:        150,
		CreatedAt:        time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RequestID != "req-001" || e.Tier != "free" || e.Response != "Paris." {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	other := sampleEntry()
	other.RequestID = "req-002"
	other.UserID = "u2"
	_ = l.Log(ctx, other)

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1, got %d", len(entries))
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{UserID: "u2"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-002" {
		t.Fatalf("user filter failed: %+v", entries)
	}

	entries, err = l.Query(ctx, models.AuditQueryOpts{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no future entries, got %d", len(entries))
	}
}

func TestExcludeModels(t *testing.T) {
	cfg := tempCfg(t)
	cfg.ExcludeModels = []string{"gpt-4o"}
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries for excluded model, got %d", len(entries))
	}
}

func TestBodyTruncation(t *testing.T) {
	cfg := tempCfg(t)
	cfg.MaxBodySize = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.Prompt = strings.Repeat("x", 100)
	entry.Response = strings.Repeat("é", 20)
	if err := l.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries[0].Prompt) != 16 {
		t.Errorf("expected truncated prompt len 16, got %d", len(entries[0].Prompt))
	}
	if entries[0].Response != strings.Repeat("é", 8) {
		t.Errorf("expected response cut on rune boundary, got %q", entries[0].Response)
	}
}

func TestIncludeFiltering(t *testing.T) {
	cfg := tempCfg(t)
	cfg.Include = nil
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entries[0].Prompt != "" {
		t.Errorf("expected empty prompt, got %q", entries[0].Prompt)
	}
	if entries[0].Response != "" {
		t.Errorf("expected empty response, got %q", entries[0].Response)
	}
	if entries[0].TotalTokens != 30 {
		t.Errorf("metadata should still be recorded, got %+v", entries[0])
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 1
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -2)
	_ = l.Log(ctx, old)
	fresh := sampleEntry()
	fresh.RequestID = "req-fresh"
	_ = l.Log(ctx, fresh)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	left, _ := l.Query(ctx, models.AuditQueryOpts{})
	if len(left) != 1 || left[0].RequestID != "req-fresh" {
		t.Errorf("remaining entries = %+v", left)
	}
}

func TestCleanupWithoutRetentionKeepsEverything(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.CreatedAt = time.Now().AddDate(-1, 0, 0)
	_ = l.Log(ctx, entry)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected nothing deleted, got %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.RequestID = "req-002"
	e2.Outcome = "provider_unavailable"
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected stats")
	}
	if stats[0].Count != 2 {
		t.Errorf("expected count 2, got %d", stats[0].Count)
	}
	if stats[0].Errors != 1 {
		t.Errorf("expected 1 failed turn, got %d", stats[0].Errors)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
		Include: []string{"prompts"},
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
