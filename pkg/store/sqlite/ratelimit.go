package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/parley/pkg/models"
)

// SlidingWindow prunes entries older than now-window for key, counts
// what remains and, when the count is below limit, records a new entry
// at now. All three steps run in one immediate transaction. Entries
// expire after twice the window.
func (s *Store) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (models.WindowState, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	var state models.WindowState

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_events WHERE key = ? AND ts_ms <= ?`, key, cutoff); err != nil {
			return fmt.Errorf("prune window: %w", err)
		}

		var count int
		var oldest int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(MIN(ts_ms), 0) FROM rate_events WHERE key = ?`, key,
		).Scan(&count, &oldest); err != nil {
			return fmt.Errorf("count window: %w", err)
		}

		if count < limit {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rate_events (key, member, ts_ms, expires_at_ms) VALUES (?, ?, ?, ?)`,
				key, uuid.NewString(), nowMs, nowMs+2*window.Milliseconds(),
			); err != nil {
				return fmt.Errorf("record window entry: %w", err)
			}
			if count == 0 {
				oldest = nowMs
			}
			count++
			state.Admitted = true
		}

		state.Count = count
		state.Oldest = time.UnixMilli(oldest)
		return nil
	})
	if err != nil {
		return models.WindowState{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	return state, nil
}
