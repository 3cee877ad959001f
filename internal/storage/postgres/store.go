package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

// Compile-time check to ensure Store implements storage.Backend
var _ storage.Backend = (*Store)(nil)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

// Connect opens a pool against databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Postgres pool initialized", zap.Int32("max_conns", cfg.MaxConns))
	return NewStore(pool), nil
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		bot_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_activity TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (workspace_id, thread_key)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(is_active, last_activity);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		user_id TEXT,
		content TEXT NOT NULL,
		sources JSONB,
		confidence DOUBLE PRECISION,
		feedback_rating INTEGER,
		created_at TIMESTAMPTZ NOT NULL
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
		is_helpful BOOLEAN NOT NULL,
		origin TEXT NOT NULL,
		query_snapshot TEXT,
		response_snapshot TEXT,
		source_summaries TEXT[],
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (message_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_workspace ON feedback(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON analytics_events(workspace_id, event_type, created_at);
	`

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Postgres schema initialized")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const sessionColumns = `id, workspace_id, channel_id, thread_key, user_id, COALESCE(bot_id, ''), is_active, last_activity, created_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(
		&sess.ID,
		&sess.WorkspaceID,
		&sess.ChannelID,
		&sess.ThreadKey,
		&sess.UserID,
		&sess.BotID,
		&sess.IsActive,
		&sess.LastActivity,
		&sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) FindSessionByThread(ctx context.Context, workspaceID, threadKey string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE workspace_id = $1 AND thread_key = $2`

	sess, err := scanSession(s.db.QueryRow(ctx, query, workspaceID, threadKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *Store) InsertSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, workspace_id, channel_id, thread_key, user_id, bot_id, is_active, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), TRUE, $7, $8)`

	_, err := s.db.Exec(ctx, query,
		session.ID,
		session.WorkspaceID,
		session.ChannelID,
		session.ThreadKey,
		session.UserID,
		session.BotID,
		session.LastActivity,
		session.CreatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) ReactivateSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET is_active = TRUE, last_activity = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to reactivate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CloseSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE is_active AND last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close inactive sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
