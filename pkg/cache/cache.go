// Package cache maps request fingerprints to completed responses and
// keeps concurrent requests for the same fingerprint from all reaching
// the provider.
//
// Deduplication happens at two levels. Within a process, callers for the
// same fingerprint share one computation. Across processes, the first
// producer takes an in-flight marker in the shared store; the others
// poll for the result and, past WaitTimeout, compute it themselves.
// Markers carry a hard expiry so a crashed producer cannot wedge a key.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/parley/pkg/models"
)

// Store is the shared backend holding entries and in-flight markers.
type Store interface {
	CacheGet(ctx context.Context, fingerprint string) ([]byte, bool, error)
	CacheSet(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
	AcquireMarker(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error)
	ReleaseMarker(ctx context.Context, fingerprint, owner string) error
	CacheCount(ctx context.Context) (int64, error)
	CacheFlush(ctx context.Context, expiredOnly bool) error
}

// Options controls entry lifetime and contention behaviour.
type Options struct {
	TTL          time.Duration
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// ProduceFunc computes a response on a cache miss.
type ProduceFunc func(ctx context.Context) (*models.LLMResponse, error)

// Cache is the response cache.
type Cache struct {
	store  Store
	opts   Options
	logger *slog.Logger
	group  singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	produced  atomic.Int64
	contended atomic.Int64
}

// New creates a Cache over store. Zero options get defaults.
func New(store Store, opts Options, logger *slog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 20 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{store: store, opts: opts, logger: logger}
}

// Get returns the cached response for fingerprint. Store errors are
// logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.LLMResponse, bool) {
	resp, ok := c.lookup(ctx, fingerprint)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return resp, ok
}

// Put stores resp under fingerprint for ttl (the default TTL if zero).
// An existing live entry is left untouched.
func (c *Cache) Put(ctx context.Context, fingerprint string, resp *models.LLMResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		Response:    *resp,
		ProducedAt:  time.Now().UTC(),
		TTL:         ttl,
	}
	entry.Response.Cached = false
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.store.CacheSet(ctx, fingerprint, data, ttl)
}

// GetOrCompute returns the cached response for fingerprint, or runs
// produce and caches its result. hit reports whether the response came
// from the cache or from another producer. A failed produce caches
// nothing.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, produce ProduceFunc) (resp *models.LLMResponse, hit bool, err error) {
	if resp, ok := c.Get(ctx, fingerprint); ok {
		return resp, true, nil
	}

	leader := false
	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		leader = true
		r, h, err := c.compute(ctx, fingerprint, ttl, produce)
		if err != nil {
			return nil, err
		}
		return computed{resp: r, hit: h}, nil
	})
	if err != nil {
		if leader {
			return nil, false, err
		}
		// The leader's failure may be its own (a cancelled context, a
		// transient provider error). Followers retry under the shared
		// marker instead of inheriting it.
		c.logger.Debug("shared computation failed, retrying", "err", err, "fingerprint", fingerprint)
		return c.compute(ctx, fingerprint, ttl, produce)
	}
	res := v.(computed)
	out := *res.resp
	if !leader {
		out.Cached = true
		return &out, true, nil
	}
	return &out, res.hit, nil
}

type computed struct {
	resp *models.LLMResponse
	hit  bool
}

func (c *Cache) compute(ctx context.Context, fingerprint string, ttl time.Duration, produce ProduceFunc) (*models.LLMResponse, bool, error) {
	owner := uuid.NewString()
	acquired, err := c.store.AcquireMarker(ctx, fingerprint, owner, c.opts.LockTTL)
	if err != nil {
		c.logger.Warn("cache marker unavailable, producing without dedupe",
			"err", err, "fingerprint", fingerprint)
		return c.produceAndStore(ctx, fingerprint, ttl, produce)
	}

	if !acquired {
		c.contended.Add(1)
		resp, ok, took, err := c.wait(ctx, fingerprint, owner)
		switch {
		case err != nil:
			return nil, false, err
		case ok:
			c.hits.Add(1)
			return resp, true, nil
		case !took:
			c.logger.Debug("cache wait timed out, producing", "fingerprint", fingerprint)
			return c.produceAndStore(ctx, fingerprint, ttl, produce)
		}
	}

	defer func() {
		if err := c.store.ReleaseMarker(context.WithoutCancel(ctx), fingerprint, owner); err != nil {
			c.logger.Warn("release cache marker", "err", err, "fingerprint", fingerprint)
		}
	}()
	// Another producer may have finished between our lookup and the acquire.
	if resp, ok := c.lookup(ctx, fingerprint); ok {
		c.hits.Add(1)
		return resp, true, nil
	}
	return c.produceAndStore(ctx, fingerprint, ttl, produce)
}

// wait polls for another producer's result until WaitTimeout. If the
// holder gives up its marker without storing a result, wait takes the
// marker as owner and reports acquired.
func (c *Cache) wait(ctx context.Context, fingerprint, owner string) (resp *models.LLMResponse, hit, acquired bool, err error) {
	deadline := time.NewTimer(c.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, false, ctx.Err()
		case <-deadline.C:
			return nil, false, false, nil
		case <-ticker.C:
			if resp, ok := c.lookup(ctx, fingerprint); ok {
				return resp, true, false, nil
			}
			ok, err := c.store.AcquireMarker(ctx, fingerprint, owner, c.opts.LockTTL)
			if err != nil {
				c.logger.Warn("cache marker retry failed", "err", err, "fingerprint", fingerprint)
				continue
			}
			if ok {
				return nil, false, true, nil
			}
		}
	}
}

func (c *Cache) produceAndStore(ctx context.Context, fingerprint string, ttl time.Duration, produce ProduceFunc) (*models.LLMResponse, bool, error) {
	resp, err := produce(ctx)
	if err != nil {
		return nil, false, err
	}
	c.produced.Add(1)
	if err := c.Put(context.WithoutCancel(ctx), fingerprint, resp, ttl); err != nil {
		c.logger.Warn("cache store failed", "err", err, "fingerprint", fingerprint)
	}
	return resp, false, nil
}

func (c *Cache) lookup(ctx context.Context, fingerprint string) (*models.LLMResponse, bool) {
	data, ok, err := c.store.CacheGet(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache lookup failed", "err", err, "fingerprint", fingerprint)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("corrupt cache entry", "err", err, "fingerprint", fingerprint)
		return nil, false
	}
	resp := entry.Response
	resp.Cached = true
	return &resp, true
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.store.CacheCount(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:   n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Produced:  c.produced.Load(),
		Contended: c.contended.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired
// entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	if err := c.store.CacheFlush(ctx, expiredOnly); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}
