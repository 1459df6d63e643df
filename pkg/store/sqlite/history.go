package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/parley/pkg/models"
)

// HistoryAppend adds msg to the log for key, refreshes the log's TTL and
// trims it to the newest maxLen messages (maxLen <= 0 keeps everything).
func (s *Store) HistoryAppend(ctx context.Context, key string, msg models.Message, ttl time.Duration, maxLen int) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := liveLog(ctx, tx, key, now); err != nil {
			return err
		}
		return writeLog(ctx, tx, key, []models.Message{msg}, now, ttl, maxLen)
	})
	if err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// HistoryFill writes msgs as the log for key only if no live log
// exists. It reports whether it wrote. The check and the write share
// one immediate transaction, so concurrent fills cannot both succeed.
func (s *Store) HistoryFill(ctx context.Context, key string, msgs []models.Message, ttl time.Duration, maxLen int) (bool, error) {
	if len(msgs) == 0 {
		return false, nil
	}
	now := s.now()
	filled := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := liveLog(ctx, tx, key, now)
		if err != nil || live {
			return err
		}
		filled = true
		return writeLog(ctx, tx, key, msgs, now, ttl, maxLen)
	})
	if err != nil {
		return false, fmt.Errorf("history fill: %w", err)
	}
	return filled, nil
}

// liveLog reports whether key has an unexpired log. An expired log's
// messages are deleted so the next write starts fresh.
func liveLog(ctx context.Context, tx *sql.Tx, key string, now time.Time) (bool, error) {
	var expiresAt int64
	err := tx.QueryRowContext(ctx,
		`SELECT expires_at_ms FROM history_sessions WHERE key = ?`, key).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	case expiresAt <= now.UnixMilli():
		_, err := tx.ExecContext(ctx, `DELETE FROM history_messages WHERE key = ?`, key)
		return false, err
	}
	return true, nil
}

func writeLog(ctx context.Context, tx *sql.Tx, key string, msgs []models.Message, now time.Time, ttl time.Duration, maxLen int) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history_sessions (key, expires_at_ms) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET expires_at_ms = excluded.expires_at_ms`,
		key, now.Add(ttl).UnixMilli(),
	); err != nil {
		return err
	}

	for _, msg := range msgs {
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history_messages (key, role, content, approx_tokens, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			key, string(msg.Role), msg.Content, msg.ApproxTokens, createdAt.UnixMilli(),
		); err != nil {
			return err
		}
	}

	if maxLen > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history_messages WHERE key = ? AND id NOT IN (
				SELECT id FROM history_messages WHERE key = ? ORDER BY id DESC LIMIT ?)`,
			key, key, maxLen,
		); err != nil {
			return err
		}
	}
	return nil
}

// HistoryRange returns the newest limit messages for key, oldest first.
// An unknown or expired key yields an empty slice.
func (s *Store) HistoryRange(ctx context.Context, key string, limit int) ([]models.Message, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at_ms FROM history_sessions WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}
	if expiresAt <= s.now().UnixMilli() {
		return []models.Message{}, nil
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, approx_tokens, created_at_ms FROM history_messages
		 WHERE key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&role, &m.Content, &m.ApproxTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// HistoryDelete removes the log for key.
func (s *Store) HistoryDelete(ctx context.Context, key string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history_messages WHERE key = ?`, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM history_sessions WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("history delete: %w", err)
	}
	return nil
}
