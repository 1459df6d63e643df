package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/parley/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := New(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		st, err := s.SlidingWindow(ctx, "turn:u1", now.Add(time.Duration(i)*time.Second), time.Minute, 3)
		if err != nil {
			t.Fatal(err)
		}
		if !st.Admitted || st.Count != i+1 {
			t.Fatalf("request %d: unexpected state %+v", i+1, st)
		}
	}

	st, err := s.SlidingWindow(ctx, "turn:u1", now.Add(10*time.Second), time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if st.Admitted {
		t.Error("4th request should be rejected")
	}
	if st.Count != 3 {
		t.Errorf("expected count 3, got %d", st.Count)
	}
	if !st.Oldest.Equal(now) {
		t.Errorf("expected oldest %v, got %v", now, st.Oldest)
	}

	// The first entry falls out of the window exactly one window later.
	st, err = s.SlidingWindow(ctx, "turn:u1", now.Add(time.Minute), time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Admitted {
		t.Errorf("expected admission once the oldest entry aged out, got %+v", st)
	}
	if !st.Oldest.Equal(now.Add(time.Second)) {
		t.Errorf("expected oldest to move to second entry, got %v", st.Oldest)
	}
}

func TestSlidingWindowSetsExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SlidingWindow(ctx, "turn:u1", time.Now(), time.Minute, 5); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("test:ratelimit:turn:u1"); ttl != 2*time.Minute {
		t.Errorf("expected 2m ttl, got %v", ttl)
	}
}

func TestSlidingWindowConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	admitted := make(chan bool, 20)
	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			st, err := s.SlidingWindow(ctx, "turn:shared", now, time.Minute, 7)
			if err != nil {
				return err
			}
			admitted <- st.Admitted
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	close(admitted)

	n := 0
	for ok := range admitted {
		if ok {
			n++
		}
	}
	if n != 7 {
		t.Errorf("expected exactly 7 admissions, got %d", n)
	}
}

func TestCacheSetGetExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.CacheGet(ctx, "fp1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := s.CacheSet(ctx, "fp1", []byte("first"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheSet(ctx, "fp1", []byte("second"), time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.CacheGet(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(v) != "first" {
		t.Errorf("live entry should not be replaced, got %q", v)
	}

	n, err := s.CacheCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.CacheGet(ctx, "fp1"); ok {
		t.Error("entry should have expired")
	}
}

func TestCacheFlush(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := s.CacheSet(ctx, fmt.Sprintf("fp%d", i), []byte("v"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CacheFlush(ctx, false); err != nil {
		t.Fatal(err)
	}
	n, err := s.CacheCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected empty cache after flush, got %d", n)
	}
}

func TestMarkerAcquireRelease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireMarker(ctx, "fp", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed, ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireMarker(ctx, "fp", "b", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("second acquire should fail, ok=%v err=%v", ok, err)
	}

	// Releasing with the wrong owner leaves the marker in place.
	if err := s.ReleaseMarker(ctx, "fp", "b"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:inflight:fp") {
		t.Fatal("marker released by non-owner")
	}
	if err := s.ReleaseMarker(ctx, "fp", "a"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.AcquireMarker(ctx, "fp", "b", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release should succeed, ok=%v err=%v", ok, err)
	}

	// A crashed holder's marker expires on its own.
	mr.FastForward(11 * time.Second)
	ok, err = s.AcquireMarker(ctx, "fp", "c", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry should succeed, ok=%v err=%v", ok, err)
	}
}

func TestHistoryAppendRangeTrim(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		msg := models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := s.HistoryAppend(ctx, "u1:s1", msg, time.Hour, 3); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.HistoryRange(ctx, "u1:s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after trim, got %d", len(msgs))
	}
	if msgs[0].Content != "m2" || msgs[2].Content != "m4" {
		t.Errorf("unexpected order: %q .. %q", msgs[0].Content, msgs[2].Content)
	}

	msgs, err = s.HistoryRange(ctx, "u1:s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "m3" {
		t.Errorf("expected newest two oldest-first, got %+v", msgs)
	}

	if ttl := mr.TTL("test:history:u1:s1"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	msgs, err = s.HistoryRange(ctx, "u1:s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty history after expiry, got %d", len(msgs))
	}
}

func TestHistoryDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	msg := models.Message{Role: models.RoleUser, Content: "hi"}
	if err := s.HistoryAppend(ctx, "u1:s1", msg, time.Hour, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.HistoryDelete(ctx, "u1:s1"); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.HistoryRange(ctx, "u1:s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestHistoryFillOnlyWhenEmpty(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	seed := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
		{Role: models.RoleUser, Content: "c"},
	}

	ok, err := s.HistoryFill(ctx, "u1:s1", seed, time.Hour, 2)
	if err != nil || !ok {
		t.Fatalf("first fill should write, ok=%v err=%v", ok, err)
	}
	ok, err = s.HistoryFill(ctx, "u1:s1", seed, time.Hour, 2)
	if err != nil || ok {
		t.Fatalf("second fill should be a no-op, ok=%v err=%v", ok, err)
	}

	msgs, err := s.HistoryRange(ctx, "u1:s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Fatalf("expected filled log trimmed to [b c], got %+v", msgs)
	}
	if ttl := mr.TTL("test:history:u1:s1"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	ok, err = s.HistoryFill(ctx, "u1:s1", seed[:1], time.Hour, 0)
	if err != nil || !ok {
		t.Fatalf("fill after expiry should write, ok=%v err=%v", ok, err)
	}

	ok, err = s.HistoryFill(ctx, "u1:s1", nil, time.Hour, 0)
	if err != nil || ok {
		t.Errorf("empty fill should not write, ok=%v err=%v", ok, err)
	}
}
