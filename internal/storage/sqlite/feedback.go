package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

func (c *Client) UpsertFeedback(ctx context.Context, feedback *models.Feedback) error {
	summaries, err := json.Marshal(feedback.SourceSummaries)
	if err != nil {
		return fmt.Errorf("failed to marshal source summaries: %w", err)
	}

	helpful := 0
	if feedback.IsHelpful {
		helpful = 1
	}

	query := `
		INSERT INTO feedback (id, workspace_id, session_id, message_id, user_id, channel_id, platform_ts,
			is_helpful, origin, query_snapshot, response_snapshot, source_summaries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			is_helpful = excluded.is_helpful,
			origin = excluded.origin,
			platform_ts = excluded.platform_ts,
			query_snapshot = COALESCE(NULLIF(excluded.query_snapshot, ''), feedback.query_snapshot),
			response_snapshot = COALESCE(NULLIF(excluded.response_snapshot, ''), feedback.response_snapshot),
			source_summaries = excluded.source_summaries,
			created_at = excluded.created_at
	`

	_, err = c.db.ExecContext(ctx, query,
		feedback.ID,
		feedback.WorkspaceID,
		feedback.SessionID,
		feedback.MessageID,
		feedback.UserID,
		feedback.ChannelID,
		feedback.PlatformTS,
		helpful,
		feedback.Origin,
		feedback.QuerySnapshot,
		feedback.ResponseSnapshot,
		string(summaries),
		feedback.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("message_id", feedback.MessageID),
		zap.Bool("helpful", feedback.IsHelpful),
		zap.String("origin", feedback.Origin),
	)
	return nil
}

func (c *Client) ListFeedback(ctx context.Context, workspaceID string, limit int) ([]models.Feedback, error) {
	query := `
		SELECT id, workspace_id, session_id, message_id, user_id, COALESCE(channel_id, ''), COALESCE(platform_ts, ''),
			is_helpful, origin, COALESCE(query_snapshot, ''), COALESCE(response_snapshot, ''), source_summaries, created_at
		FROM feedback
		WHERE workspace_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var f models.Feedback
		var helpful int
		var summaries sql.NullString
		var createdAt int64

		err := rows.Scan(&f.ID, &f.WorkspaceID, &f.SessionID, &f.MessageID, &f.UserID, &f.ChannelID, &f.PlatformTS,
			&helpful, &f.Origin, &f.QuerySnapshot, &f.ResponseSnapshot, &summaries, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}

		f.IsHelpful = helpful == 1
		f.CreatedAt = time.Unix(0, createdAt)
		if summaries.Valid && summaries.String != "" {
			_ = json.Unmarshal([]byte(summaries.String), &f.SourceSummaries)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback: %w", err)
	}

	return out, nil
}

func (c *Client) InsertAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO analytics_events (id, workspace_id, event_type, user_id, session_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.WorkspaceID,
		event.EventType,
		event.UserID,
		event.SessionID,
		string(metadata),
		event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}
