// Package sqlite implements the shared rate-limit, response-cache and
// history backends on a single SQLite database file.
//
// Several gateway processes on one host may open the same file: every
// read-modify-write runs in an immediate transaction, so the
// sliding-window check and marker acquisition stay atomic across
// processes. Expired rows are removed lazily on access and by a
// periodic sweep.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_events (
	key TEXT NOT NULL,
	member TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE INDEX IF NOT EXISTS idx_rate_events_key_ts ON rate_events(key, ts_ms);

CREATE TABLE IF NOT EXISTS response_cache (
	fingerprint TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS inflight_markers (
	fingerprint TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history_sessions (
	key TEXT PRIMARY KEY,
	expires_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	approx_tokens INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_messages_key ON history_messages(key, id);
`

// Options tunes a Store.
type Options struct {
	// SweepInterval is how often expired rows are purged. Zero disables
	// the background sweep.
	SweepInterval time.Duration
	// Now overrides the clock used for expiry decisions.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store is the SQLite backend.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens (or creates) the database at path and runs migrations.
func New(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One connection per process; other processes are serialized by the
	// file lock and busy timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	s := &Store{
		db:     db,
		now:    opts.Now,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	if opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(opts.SweepInterval)
	}
	return s, nil
}

// Sweep deletes every expired row and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	stmts := []string{
		`DELETE FROM rate_events WHERE expires_at_ms <= ?`,
		`DELETE FROM response_cache WHERE expires_at_ms <= ?`,
		`DELETE FROM inflight_markers WHERE expires_at_ms <= ?`,
		`DELETE FROM history_messages WHERE key IN (SELECT key FROM history_sessions WHERE expires_at_ms <= ?)`,
		`DELETE FROM history_sessions WHERE expires_at_ms <= ?`,
	}
	var total int64
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return total, fmt.Errorf("sweep: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Warn("store sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("store sweep", "removed", n)
			}
		}
	}
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
