package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheGet returns the stored value for fingerprint if it has not expired.
func (s *Store) CacheGet(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at_ms FROM response_cache WHERE fingerprint = ?`, fingerprint,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if expiresAt <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

// CacheSet stores value under fingerprint. A live entry is never
// overwritten; an expired one is replaced.
func (s *Store) CacheSet(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (fingerprint, value, expires_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms
		 WHERE response_cache.expires_at_ms <= ?`,
		fingerprint, value, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// AcquireMarker takes the in-flight marker for fingerprint on behalf of
// owner. An expired marker left by a crashed producer is taken over.
func (s *Store) AcquireMarker(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inflight_markers (fingerprint, owner, expires_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET owner = excluded.owner, expires_at_ms = excluded.expires_at_ms
		 WHERE inflight_markers.expires_at_ms <= ?`,
		fingerprint, owner, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire marker: %w", err)
	}
	return n == 1, nil
}

// ReleaseMarker drops the marker if owner still holds it.
func (s *Store) ReleaseMarker(ctx context.Context, fingerprint, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inflight_markers WHERE fingerprint = ? AND owner = ?`, fingerprint, owner)
	if err != nil {
		return fmt.Errorf("release marker: %w", err)
	}
	return nil
}

// CacheCount returns the number of live cache entries.
func (s *Store) CacheCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM response_cache WHERE expires_at_ms > ?`, s.now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// CacheFlush removes cache entries. If expiredOnly is true, only expired
// entries are removed.
func (s *Store) CacheFlush(ctx context.Context, expiredOnly bool) error {
	var err error
	if expiredOnly {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM response_cache WHERE expires_at_ms <= ?`, s.now().UnixMilli())
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM response_cache`)
	}
	if err != nil {
		return fmt.Errorf("cache flush: %w", err)
	}
	return nil
}
