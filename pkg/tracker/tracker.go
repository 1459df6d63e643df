package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/parley/pkg/models"
)

// Tracker records and queries per-turn token usage.
type Tracker interface {
	// Record stores a usage record and updates its session counters.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByUser returns usage records for a user since a given time.
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error)
	// TotalByUser returns total tokens used by a user since a given time.
	TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error)
	// TotalByUserAndModel returns total tokens used by a user on one model since a given time.
	TotalByUserAndModel(ctx context.Context, userID, model string, since time.Time) (int64, error)
	// Summary returns aggregated usage, optionally filtered by user.
	Summary(ctx context.Context, userID string) ([]models.UsageSummary, error)
	// ListSessions returns sessions, optionally filtered by user.
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	// SessionRequests returns per-turn detail for a session with context growth.
	SessionRequests(ctx context.Context, userID, sessionID string) ([]models.SessionRequest, error)
	// CostReport aggregates cost by tier, user and model since a given time.
	CostReport(ctx context.Context, since time.Time, tier, userID string) ([]models.CostReport, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	cached INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(user_id, session_id);
`

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, id)
);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record and updates session counters.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (user_id, session_id, tier, model, provider, prompt_tokens, completion_tokens, total_tokens, cost, cached, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SessionID, rec.Tier, rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Cost, rec.Cached, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if rec.SessionID != "" {
		_, err = t.db.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, started_at, last_activity, request_count, total_tokens)
			 VALUES (?, ?, ?, ?, 1, ?)
			 ON CONFLICT(user_id, id) DO UPDATE SET
				last_activity = excluded.last_activity,
				request_count = request_count + 1,
				total_tokens = total_tokens + excluded.total_tokens`,
			rec.SessionID, rec.UserID, rec.CreatedAt, rec.CreatedAt, rec.TotalTokens,
		)
		if err != nil {
			return fmt.Errorf("update session counters: %w", err)
		}
	}

	return nil
}

// ListSessions returns all sessions, optionally filtered by user.
func (t *SQLiteTracker) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	query := `SELECT id, user_id, started_at, last_activity, request_count, total_tokens FROM sessions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY last_activity DESC`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.LastActivity, &s.RequestCount, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionRequests returns per-turn detail for a session with context growth.
func (t *SQLiteTracker) SessionRequests(ctx context.Context, userID, sessionID string) ([]models.SessionRequest, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT created_at, model, prompt_tokens, completion_tokens, total_tokens, cached
		 FROM usage_records WHERE user_id = ? AND session_id = ? ORDER BY created_at ASC, id ASC`,
		userID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.SessionRequest
	var prevPrompt int
	seq := 0
	for rows.Next() {
		var r models.SessionRequest
		if err := rows.Scan(&r.CreatedAt, &r.Model, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cached); err != nil {
			return nil, fmt.Errorf("scan session request: %w", err)
		}
		seq++
		r.Seq = seq
		if seq > 1 {
			r.ContextGrowth = r.PromptTokens - prevPrompt
		}
		prevPrompt = r.PromptTokens
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// QueryByUser returns usage records for a user since a given time.
func (t *SQLiteTracker) QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, tier, model, provider, prompt_tokens, completion_tokens, total_tokens, cost, cached, created_at
		 FROM usage_records WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Tier, &r.Model, &r.Provider,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.Cached, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalByUser returns total tokens used by a user since a given time.
// Cache hits cost nothing upstream and are excluded.
func (t *SQLiteTracker) TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records
		 WHERE user_id = ? AND cached = 0 AND created_at >= ?`,
		userID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// TotalByUserAndModel returns total tokens used by a user on one model since a given time.
func (t *SQLiteTracker) TotalByUserAndModel(ctx context.Context, userID, model string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records
		 WHERE user_id = ? AND model = ? AND cached = 0 AND created_at >= ?`,
		userID, model, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage by model: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by user and model.
func (t *SQLiteTracker) Summary(ctx context.Context, userID string) ([]models.UsageSummary, error) {
	query := `SELECT user_id, model, COUNT(*), COALESCE(SUM(cached), 0),
		SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		FROM usage_records`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY user_id, model ORDER BY user_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.UserID, &s.Model, &s.RequestCount, &s.CachedCount,
			&s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// CostReport aggregates recorded cost grouped by tier, user and model.
// Empty tier or userID disables that filter.
func (t *SQLiteTracker) CostReport(ctx context.Context, since time.Time, tier, userID string) ([]models.CostReport, error) {
	query := `SELECT tier, user_id, model, COUNT(*), SUM(total_tokens), SUM(cost)
		FROM usage_records WHERE created_at >= ?`
	args := []any{since}
	if tier != "" {
		query += ` AND tier = ?`
		args = append(args, tier)
	}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY tier, user_id, model ORDER BY SUM(cost) DESC, tier, user_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cost report: %w", err)
	}
	defer rows.Close()

	var reports []models.CostReport
	for rows.Next() {
		var r models.CostReport
		if err := rows.Scan(&r.Tier, &r.UserID, &r.Model, &r.RequestCount, &r.TotalTokens, &r.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan cost report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
