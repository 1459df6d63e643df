// Package audit keeps a per-turn record of who asked what, which
// provider answered and how the turn ended.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/parley/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	request_id        TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	session_id        TEXT,
	tier              TEXT,
	model             TEXT NOT NULL,
	provider          TEXT,
	prompt            TEXT,
	response          TEXT,
	outcome           TEXT NOT NULL,
	cached            INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	total_tokens      INTEGER,
	latency_ms        INTEGER,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, session_id);
CREATE INDEX IF NOT EXISTS idx_audit_model ON audit_log(model);
`

const entryColumns = `request_id, user_id, session_id, tier, model, provider,
	prompt, response, outcome, cached,
	prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at`

// Logger writes and queries audit entries in a dedicated SQLite database.
// A nil *Logger discards entries.
type Logger struct {
	db           *sql.DB
	cfg          models.AuditConfig
	keepPrompt   bool
	keepResponse bool
	skipModels   map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit database and creates the schema. When
// RetentionDays is positive an hourly sweep enforces it.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:         db,
		cfg:        cfg,
		skipModels: make(map[string]struct{}, len(cfg.ExcludeModels)),
		done:       make(chan struct{}),
	}
	for _, part := range cfg.Include {
		switch part {
		case "prompts":
			l.keepPrompt = true
		case "responses":
			l.keepResponse = true
		}
	}
	for _, m := range cfg.ExcludeModels {
		l.skipModels[m] = struct{}{}
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.sweep(time.Hour)
	}
	return l, nil
}

// Log records entry. Prompt and response text are stored only when the
// config includes them, cut to MaxBodySize bytes.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if _, skip := l.skipModels[entry.Model]; skip {
		return nil
	}

	var prompt, response string
	if l.keepPrompt {
		prompt = truncate(entry.Prompt, l.cfg.MaxBodySize)
	}
	if l.keepResponse {
		response = truncate(entry.Response, l.cfg.MaxBodySize)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.UserID, entry.SessionID, entry.Tier, entry.Model, entry.Provider,
		prompt, response, entry.Outcome, entry.Cached,
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens, entry.LatencyMs, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write audit entry %s: %w", entry.RequestID, err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Query returns the newest entries matching opts. Limit defaults to 100.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	eq := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("request_id", opts.RequestID)
	eq("user_id", opts.UserID)
	eq("session_id", opts.SessionID)
	eq("model", opts.Model)
	if !opts.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, opts.Since.UTC())
	}

	q := "SELECT " + entryColumns + " FROM audit_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (models.AuditEntry, error) {
	var (
		e                                           models.AuditEntry
		session, tier, provider, prompt, response   sql.NullString
		promptTokens, completionTokens, totalTokens sql.NullInt64
		latency                                     sql.NullInt64
	)
	err := rows.Scan(
		&e.RequestID, &e.UserID, &session, &tier, &e.Model, &provider,
		&prompt, &response, &e.Outcome, &e.Cached,
		&promptTokens, &completionTokens, &totalTokens, &latency, &e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("scan audit row: %w", err)
	}
	e.SessionID, e.Tier, e.Provider = session.String, tier.String, provider.String
	e.Prompt, e.Response = prompt.String, response.String
	e.PromptTokens = int(promptTokens.Int64)
	e.CompletionTokens = int(completionTokens.Int64)
	e.TotalTokens = int(totalTokens.Int64)
	e.LatencyMs = latency.Int64
	return e, nil
}

// Stats counts turns and failed turns per model and day, newest day first.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, substr(created_at, 1, 10) AS day, count(*),
		       sum(CASE WHEN outcome = 'ok' THEN 0 ELSE 1 END)
		FROM audit_log
		GROUP BY model, day
		ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		if err := rows.Scan(&s.Model, &s.Day, &s.Count, &s.Errors); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than RetentionDays. With no retention
// configured nothing is deleted.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention sweep and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) sweep(every time.Duration) {
	defer l.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
