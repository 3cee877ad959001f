package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/pkg/logger"
)

var _ storage.Backend = (*Client)(nil)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers so concurrent turns never see
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		bot_id TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (workspace_id, thread_key)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(is_active, last_activity);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		user_id TEXT,
		content TEXT NOT NULL,
		sources TEXT,
		confidence REAL,
		feedback_rating INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel_id TEXT,
		platform_ts TEXT,
		is_helpful INTEGER NOT NULL,
		origin TEXT NOT NULL,
		query_snapshot TEXT,
		response_snapshot TEXT,
		source_summaries TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (message_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_workspace ON feedback(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON analytics_events(workspace_id, event_type, created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
