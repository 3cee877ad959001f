package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
)

func (c *Client) InsertMessage(ctx context.Context, message *models.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("invalid message role %q", message.Role)
	}

	var sourcesJSON sql.NullString
	if len(message.Sources) > 0 {
		data, err := json.Marshal(message.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		sourcesJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity = MAX(last_activity, ?) WHERE id = ?`,
		message.CreatedAt.UnixNano(), message.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, user_id, content, sources, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		string(message.Role),
		message.UserID,
		message.Content,
		sourcesJSON,
		message.Confidence,
		message.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, role, COALESCE(user_id, ''), content, sources, confidence, feedback_rating, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var role string
	var sources sql.NullString
	var confidence sql.NullFloat64
	var rating sql.NullInt64
	var createdAt int64

	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.UserID, &m.Content, &sources, &confidence, &rating, &createdAt); err != nil {
		return nil, err
	}

	m.Role = models.Role(role)
	m.CreatedAt = time.Unix(0, createdAt)
	if sources.Valid && sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
	}
	if confidence.Valid {
		v := confidence.Float64
		m.Confidence = &v
	}
	if rating.Valid {
		v := int(rating.Int64)
		m.FeedbackRating = &v
	}
	return &m, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(c.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (c *Client) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT * FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

func (c *Client) CountMessagesByRole(ctx context.Context, sessionID string, role models.Role) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = ?`,
		sessionID, string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (c *Client) SetMessageFeedback(ctx context.Context, messageID string, rating int) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE messages SET feedback_rating = ? WHERE id = ? AND feedback_rating IS NULL`,
		rating, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set message feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := c.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}
