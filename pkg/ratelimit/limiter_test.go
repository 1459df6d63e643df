package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/store/sqlite"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newLimiter(t *testing.T, tiers map[string]models.TierLimit) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := sqlite.New(filepath.Join(t.TempDir(), "rl.db"), sqlite.Options{Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	l := New(st, tiers, "free", nil)
	l.SetClock(clock.Now)
	return l, clock
}

func TestAllowExactLimit(t *testing.T) {
	l, clock := newLimiter(t, map[string]models.TierLimit{
		"free": {RequestsPerWindow: 5, Window: 60 * time.Second},
	})
	ctx := context.Background()

	for i := range 5 {
		res := l.Allow(ctx, "u1", ClassTurn, "free")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 4-i, res.Remaining)
		}
		if res.RetryAfter != nil {
			t.Errorf("request %d: retryAfter should be nil when allowed", i+1)
		}
	}

	res := l.Allow(ctx, "u1", ClassTurn, "free")
	if res.Allowed {
		t.Fatal("6th request should be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
	if res.RetryAfter == nil || *res.RetryAfter != 60 {
		t.Errorf("expected retryAfter 60, got %v", res.RetryAfter)
	}
	if !res.ResetAt.Equal(clock.now.Add(time.Minute)) {
		t.Errorf("unexpected resetAt %v", res.ResetAt)
	}

	clock.now = clock.now.Add(time.Minute)
	if res := l.Allow(ctx, "u1", ClassTurn, "free"); !res.Allowed {
		t.Error("request after the window elapsed should be allowed")
	}
}

func TestRetryAfterShrinksWithTime(t *testing.T) {
	l, clock := newLimiter(t, map[string]models.TierLimit{
		"free": {RequestsPerWindow: 1, Window: 60 * time.Second},
	})
	ctx := context.Background()

	l.Allow(ctx, "u1", ClassTurn, "free")
	clock.now = clock.now.Add(45500 * time.Millisecond)
	res := l.Allow(ctx, "u1", ClassTurn, "free")
	if res.Allowed {
		t.Fatal("expected rejection")
	}
	if res.RetryAfter == nil || *res.RetryAfter != 15 {
		t.Errorf("expected retryAfter 15, got %v", res.RetryAfter)
	}
}

func TestIdentifiersAndClassesAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, map[string]models.TierLimit{
		"free": {RequestsPerWindow: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if !l.Allow(ctx, "u1", ClassTurn, "free").Allowed {
		t.Fatal("u1 first request should be allowed")
	}
	if !l.Allow(ctx, "u2", ClassTurn, "free").Allowed {
		t.Error("u2 should have its own window")
	}
	if !l.Allow(ctx, "u1", "models", "free").Allowed {
		t.Error("other endpoint classes should have their own window")
	}
	if l.Allow(ctx, "u1", ClassTurn, "free").Allowed {
		t.Error("u1 second turn should be rejected")
	}
}

func TestUnknownTierUsesDefault(t *testing.T) {
	l, _ := newLimiter(t, map[string]models.TierLimit{
		"free": {RequestsPerWindow: 1, Window: time.Minute},
		"pro":  {RequestsPerWindow: 3, Window: time.Minute},
	})
	ctx := context.Background()

	res := l.Allow(ctx, "u1", ClassTurn, "platinum")
	if !res.Allowed || res.Limit != 1 {
		t.Fatalf("expected default tier limit 1, got %+v", res)
	}
	if l.Allow(ctx, "u1", ClassTurn, "platinum").Allowed {
		t.Error("second request under default tier should be rejected")
	}

	res = l.Allow(ctx, "u9", ClassTurn, "pro")
	if res.Limit != 3 {
		t.Errorf("expected pro limit 3, got %d", res.Limit)
	}
}

type brokenStore struct{}

func (brokenStore) SlidingWindow(context.Context, string, time.Time, time.Duration, int) (models.WindowState, error) {
	return models.WindowState{}, errors.New("connection refused")
}

func TestStoreFailureFailsOpen(t *testing.T) {
	l := New(brokenStore{}, map[string]models.TierLimit{
		"free": {RequestsPerWindow: 1, Window: time.Minute},
	}, "free", nil)

	for range 3 {
		res := l.Allow(context.Background(), "u1", ClassTurn, "free")
		if !res.Allowed {
			t.Fatal("limiter should fail open when the store is unavailable")
		}
		if res.RetryAfter != nil {
			t.Error("retryAfter should be nil when admitted")
		}
	}
}
