// Package ratelimit admits turns with a sliding-window counter kept in a
// store shared by every gateway instance.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/pario-ai/parley/pkg/models"
)

// Endpoint classes.
const (
	ClassTurn = "turn"
)

// Store performs the prune, count and conditional record of one
// admission attempt as a single atomic operation.
type Store interface {
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (models.WindowState, error)
}

// Limiter applies the tier table to callers.
type Limiter struct {
	store       Store
	tiers       map[string]models.TierLimit
	defaultTier string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Limiter. Callers with a tier missing from tiers are
// limited as defaultTier.
func New(store Store, tiers map[string]models.TierLimit, defaultTier string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{
		store:       store,
		tiers:       tiers,
		defaultTier: defaultTier,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Tier returns the limit that applies to tier.
func (l *Limiter) Tier(tier string) (models.TierLimit, bool) {
	if t, ok := l.tiers[tier]; ok {
		return t, true
	}
	t, ok := l.tiers[l.defaultTier]
	return t, ok
}

// Allow records an attempt by identifier against endpointClass and
// reports whether it is admitted. A store failure admits the request.
func (l *Limiter) Allow(ctx context.Context, identifier, endpointClass, tier string) models.RateLimitResult {
	now := l.now()
	limit, ok := l.Tier(tier)
	if !ok {
		l.logger.Warn("no rate limit tier configured, admitting", "tier", tier, "identifier", identifier)
		return models.RateLimitResult{Allowed: true, ResetAt: now}
	}

	key := endpointClass + ":" + identifier
	st, err := l.store.SlidingWindow(ctx, key, now, limit.Window, limit.RequestsPerWindow)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			"err", err, "identifier", identifier, "class", endpointClass)
		return models.RateLimitResult{
			Allowed:   true,
			Limit:     limit.RequestsPerWindow,
			Remaining: limit.RequestsPerWindow - 1,
			ResetAt:   now.Add(limit.Window),
		}
	}

	oldest := st.Oldest
	if oldest.IsZero() {
		oldest = now
	}
	res := models.RateLimitResult{
		Allowed:   st.Admitted,
		Limit:     limit.RequestsPerWindow,
		Remaining: max(limit.RequestsPerWindow-st.Count, 0),
		ResetAt:   oldest.Add(limit.Window),
	}
	if !st.Admitted {
		secs := int(math.Ceil(res.ResetAt.Sub(now).Seconds()))
		secs = max(secs, 1)
		res.RetryAfter = &secs
		l.logger.Info("rate limited", "identifier", identifier, "class", endpointClass,
			"tier", tier, "retry_after", secs)
	}
	return res
}
