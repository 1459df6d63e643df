// Package history keeps the short-lived per-session message log that
// prompt construction reads from.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tokens"
)

// Store is the shared TTL'd log backend.
type Store interface {
	HistoryAppend(ctx context.Context, key string, msg models.Message, ttl time.Duration, maxLen int) error
	HistoryRange(ctx context.Context, key string, limit int) ([]models.Message, error)
	HistoryDelete(ctx context.Context, key string) error
	// HistoryFill seeds key with msgs unless a live log already exists,
	// as one atomic step, and reports whether it wrote.
	HistoryFill(ctx context.Context, key string, msgs []models.Message, ttl time.Duration, maxLen int) (bool, error)
}

// Durable is the system of record consulted when the log has expired.
type Durable interface {
	LoadRecent(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error)
}

// Archiver receives every appended message.
type Archiver interface {
	SaveMessage(ctx context.Context, userID, sessionID string, msg models.Message) error
}

// SessionDeleter is implemented by durable stores that can forget a
// conversation. Clear calls it so a cleared session is not restored
// from the durable store.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Options configures a History.
type Options struct {
	TTL         time.Duration
	MaxMessages int
	// Durable, if set, backs Recent when the log is empty or unreachable.
	Durable Durable
	// Archive, if set, is written through on Append.
	Archive Archiver
}

// History is the per-(user, session) message log.
type History struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New creates a History over store.
func New(store Store, opts Options, logger *slog.Logger) *History {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &History{store: store, opts: opts, logger: logger}
}

func key(userID, sessionID string) string {
	return url.QueryEscape(userID) + ":" + url.QueryEscape(sessionID)
}

// Append adds msg to the session log and refreshes its TTL. Each call
// adds a distinct entry.
func (h *History) Append(ctx context.Context, userID, sessionID string, msg models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ApproxTokens == 0 {
		msg.ApproxTokens = tokens.Estimate(msg.Content)
	}

	if h.opts.Archive != nil {
		if err := h.opts.Archive.SaveMessage(ctx, userID, sessionID, msg); err != nil {
			h.logger.Warn("archive write failed", "err", err, "user", userID, "session", sessionID)
		}
	}
	if err := h.store.HistoryAppend(ctx, key(userID, sessionID), msg, h.opts.TTL, h.opts.MaxMessages); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// Recent returns the newest limit messages, oldest first. An unknown
// session yields an empty slice. Recent never fails: an unreachable
// store degrades to the durable store, then to an empty history.
func (h *History) Recent(ctx context.Context, userID, sessionID string, limit int) []models.Message {
	k := key(userID, sessionID)
	msgs, err := h.store.HistoryRange(ctx, k, limit)
	if err != nil {
		h.logger.Warn("history store unavailable, degrading",
			"err", err, "user", userID, "session", sessionID, "key", k)
		return h.loadDurable(ctx, userID, sessionID, limit, false)
	}
	if len(msgs) > 0 {
		return msgs
	}
	return h.loadDurable(ctx, userID, sessionID, limit, true)
}

func (h *History) loadDurable(ctx context.Context, userID, sessionID string, limit int, backfill bool) []models.Message {
	if h.opts.Durable == nil {
		return []models.Message{}
	}
	msgs, err := h.opts.Durable.LoadRecent(ctx, userID, sessionID, limit)
	if err != nil {
		h.logger.Warn("durable history unavailable", "err", err, "user", userID, "session", sessionID)
		return []models.Message{}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if backfill && len(msgs) > 0 {
		k := key(userID, sessionID)
		filled, err := h.store.HistoryFill(ctx, k, msgs, h.opts.TTL, h.opts.MaxMessages)
		switch {
		case err != nil:
			h.logger.Warn("history backfill failed", "err", err, "key", k)
		case filled:
			h.logger.Debug("history restored from durable store", "user", userID, "session", sessionID, "messages", len(msgs))
		}
	}
	return msgs
}

// Clear deletes the session log, and the durable copy when the durable
// or archive store supports deletion. The durable side goes first so a
// partial failure never lets Recent restore a cleared conversation.
func (h *History) Clear(ctx context.Context, userID, sessionID string) error {
	for _, d := range h.deleters() {
		if err := d.DeleteSession(ctx, userID, sessionID); err != nil {
			return fmt.Errorf("history clear: %w", err)
		}
	}
	if err := h.store.HistoryDelete(ctx, key(userID, sessionID)); err != nil {
		return fmt.Errorf("history clear: %w", err)
	}
	return nil
}

func (h *History) deleters() []SessionDeleter {
	var out []SessionDeleter
	if d, ok := h.opts.Durable.(SessionDeleter); ok {
		out = append(out, d)
	}
	if d, ok := h.opts.Archive.(SessionDeleter); ok {
		// The same store is commonly wired as both.
		if len(out) == 0 || out[0] != d {
			out = append(out, d)
		}
	}
	return out
}
