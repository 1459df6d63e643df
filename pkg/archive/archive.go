// Package archive is the durable conversation store that the history
// store falls back to when a session has expired from the shared
// backend. It runs on SQLite, PostgreSQL or MySQL.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/parley/pkg/models"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			approx_tokens INTEGER NOT NULL DEFAULT 0,
			created_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session ON conversation_messages(user_id, session_id, id)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			approx_tokens INTEGER NOT NULL DEFAULT 0,
			created_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session ON conversation_messages(user_id, session_id, id)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id VARCHAR(191) NOT NULL,
			session_id VARCHAR(191) NOT NULL,
			role VARCHAR(16) NOT NULL,
			content LONGTEXT NOT NULL,
			approx_tokens INT NOT NULL DEFAULT 0,
			created_ms BIGINT NOT NULL,
			INDEX idx_conversation_messages_session (user_id, session_id, id)
		)`,
	},
}

// Store persists conversation messages.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	stmts, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate archive db: %w", err)
		}
	}
	return &Store{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveMessage appends msg to the archived conversation.
func (s *Store) SaveMessage(ctx context.Context, userID, sessionID string, msg models.Message) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversation_messages (user_id, session_id, role, content, approx_tokens, created_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		userID, sessionID, string(msg.Role), msg.Content, msg.ApproxTokens, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// LoadRecent returns the newest limit messages of a conversation, oldest
// first. An unknown conversation yields an empty slice.
func (s *Store) LoadRecent(ctx context.Context, userID, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT role, content, approx_tokens, created_ms FROM conversation_messages
		 WHERE user_id = ? AND session_id = ?
		 ORDER BY id DESC LIMIT ?`),
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var created int64
		if err := rows.Scan(&role, &m.Content, &m.ApproxTokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// DeleteSession removes every archived message of a conversation.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM conversation_messages WHERE user_id = ? AND session_id = ?`),
		userID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sessions lists the session ids archived for a user, most recent first.
func (s *Store) Sessions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT session_id FROM conversation_messages WHERE user_id = ?
		 GROUP BY session_id ORDER BY MAX(id) DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
