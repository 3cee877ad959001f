package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
)

func (s *Store) InsertMessage(ctx context.Context, message *models.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("invalid message role %q", message.Role)
	}

	var sources []byte
	if len(message.Sources) > 0 {
		data, err := json.Marshal(message.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		sources = data
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET last_activity = GREATEST(last_activity, $1) WHERE id = $2`,
		message.CreatedAt, message.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, user_id, content, sources, confidence, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		message.ID,
		message.SessionID,
		string(message.Role),
		message.UserID,
		message.Content,
		sources,
		message.Confidence,
		message.CreatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, role, COALESCE(user_id, ''), content, sources, confidence, feedback_rating, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var role string
	var sources []byte

	err := row.Scan(&m.ID, &m.SessionID, &role, &m.UserID, &m.Content, &sources, &m.Confidence, &m.FeedbackRating, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Role = models.Role(role)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT * FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.Query(ctx, query, sessionID, limit)
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

func (s *Store) CountMessagesByRole(ctx context.Context, sessionID string, role models.Role) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1 AND role = $2`,
		sessionID, string(role)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *Store) SetMessageFeedback(ctx context.Context, messageID string, rating int) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET feedback_rating = $1 WHERE id = $2 AND feedback_rating IS NULL`,
		rating, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to set message feedback: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}
