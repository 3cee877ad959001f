package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

const sessionColumns = `id, workspace_id, channel_id, thread_key, user_id, COALESCE(bot_id, ''), is_active, last_activity, created_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var isActive int
	var lastActivity, createdAt int64

	err := row.Scan(
		&s.ID,
		&s.WorkspaceID,
		&s.ChannelID,
		&s.ThreadKey,
		&s.UserID,
		&s.BotID,
		&isActive,
		&lastActivity,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	s.IsActive = isActive == 1
	s.LastActivity = time.Unix(0, lastActivity)
	s.CreatedAt = time.Unix(0, createdAt)
	return &s, nil
}

func (c *Client) FindSessionByThread(ctx context.Context, workspaceID, threadKey string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE workspace_id = ? AND thread_key = ?`

	s, err := scanSession(c.db.QueryRowContext(ctx, query, workspaceID, threadKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	s, err := scanSession(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (c *Client) InsertSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, workspace_id, channel_id, thread_key, user_id, bot_id, is_active, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), 1, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		session.ID,
		session.WorkspaceID,
		session.ChannelID,
		session.ThreadKey,
		session.UserID,
		session.BotID,
		session.LastActivity.UnixNano(),
		session.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	logger.Debug("Session inserted",
		zap.String("session_id", session.ID),
		zap.String("thread_key", session.ThreadKey),
	)
	return nil
}

func (c *Client) ReactivateSession(ctx context.Context, id string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 1, last_activity = ? WHERE id = ?`,
		at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) CloseSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND last_activity < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close inactive sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
