package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/parley/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.UsageRecord{
		UserID:           "u1",
		SessionID:        "s1",
		Tier:             "free",
		Model:            "gpt-4o",
		Provider:         "openai",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Cost:             0.0015,
		CreatedAt:        now,
	}
	if err := tr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := tr.QueryByUser(ctx, "u1", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].TotalTokens != 150 || records[0].Provider != "openai" || records[0].Tier != "free" {
		t.Errorf("unexpected record %+v", records[0])
	}
}

func TestTotalByUserExcludesCacheHits(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := range 3 {
		_ = tr.Record(ctx, models.UsageRecord{
			UserID: "u1", Model: "gpt-4o",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}
	_ = tr.Record(ctx, models.UsageRecord{
		UserID: "u1", Model: "gpt-4o", TotalTokens: 150, Cached: true, CreatedAt: now,
	})

	total, err := tr.TotalByUser(ctx, "u1", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 450 {
		t.Errorf("expected 450, got %d", total)
	}

	total, err = tr.TotalByUserAndModel(ctx, "u1", "claude-sonnet", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected 0 for other model, got %d", total)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, models.UsageRecord{
		UserID: "u1", Model: "gpt-4o",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
		CreatedAt: now,
	})
	_ = tr.Record(ctx, models.UsageRecord{
		UserID: "u1", Model: "gpt-4o", TotalTokens: 150, Cached: true,
		CreatedAt: now,
	})
	_ = tr.Record(ctx, models.UsageRecord{
		UserID: "u2", Model: "claude-sonnet",
		PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300,
		CreatedAt: now,
	})

	summaries, err := tr.Summary(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	summaries, err = tr.Summary(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].RequestCount != 2 || summaries[0].CachedCount != 1 {
		t.Errorf("unexpected summary %+v", summaries[0])
	}
}

func TestSessionsAreScopedByUser(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, models.UsageRecord{UserID: "u1", SessionID: "chat", Model: "m", TotalTokens: 10, CreatedAt: now})
	_ = tr.Record(ctx, models.UsageRecord{UserID: "u2", SessionID: "chat", Model: "m", TotalTokens: 20, CreatedAt: now})
	_ = tr.Record(ctx, models.UsageRecord{UserID: "u2", Model: "m", TotalTokens: 5, CreatedAt: now})

	all, err := tr.ListSessions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	filtered, err := tr.ListSessions(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].TotalTokens != 20 {
		t.Fatalf("unexpected sessions for u2: %+v", filtered)
	}
}

func TestSessionRequests(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, pt := range []int{500, 1200, 2800} {
		_ = tr.Record(ctx, models.UsageRecord{
			UserID: "u1", Model: "gpt-4o", SessionID: "sess-detail",
			PromptTokens: pt, CompletionTokens: 100, TotalTokens: pt + 100,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	reqs, err := tr.SessionRequests(ctx, "u1", "sess-detail")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}

	if reqs[0].ContextGrowth != 0 {
		t.Errorf("expected 0 context growth for first request, got %d", reqs[0].ContextGrowth)
	}
	if reqs[1].ContextGrowth != 700 {
		t.Errorf("expected 700 context growth, got %d", reqs[1].ContextGrowth)
	}
	if reqs[2].ContextGrowth != 1600 {
		t.Errorf("expected 1600 context growth, got %d", reqs[2].ContextGrowth)
	}

	sessions, _ := tr.ListSessions(ctx, "u1")
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].RequestCount != 3 {
		t.Errorf("expected 3 requests in session, got %d", sessions[0].RequestCount)
	}
	if sessions[0].TotalTokens != 600+1300+2900 {
		t.Errorf("expected %d total tokens, got %d", 600+1300+2900, sessions[0].TotalTokens)
	}
}

func TestCostReport(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = tr.Record(ctx, models.UsageRecord{UserID: "u1", Tier: "free", Model: "gpt-4o-mini", TotalTokens: 1000, Cost: 0.01, CreatedAt: now})
	_ = tr.Record(ctx, models.UsageRecord{UserID: "u1", Tier: "free", Model: "gpt-4o-mini", TotalTokens: 1000, Cost: 0.01, CreatedAt: now})
	_ = tr.Record(ctx, models.UsageRecord{UserID: "u2", Tier: "pro", Model: "gpt-4o", TotalTokens: 2000, Cost: 0.5, CreatedAt: now})

	reports, err := tr.CostReport(ctx, now.Add(-time.Hour), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(reports))
	}
	if reports[0].UserID != "u2" {
		t.Errorf("expected most expensive row first, got %+v", reports[0])
	}
	if reports[1].RequestCount != 2 || reports[1].TotalTokens != 2000 {
		t.Errorf("unexpected aggregate %+v", reports[1])
	}

	reports, err = tr.CostReport(ctx, now.Add(-time.Hour), "free", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Tier != "free" {
		t.Errorf("tier filter failed: %+v", reports)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	tr1, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = tr1.Close()

	tr2, err := New(dbPath)
	if err != nil {
		t.Fatal("second New() failed:", err)
	}
	_ = tr2.Close()
}
