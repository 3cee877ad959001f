package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cluebase/backend/internal/storage/models"
)

func (s *Store) UpsertFeedback(ctx context.Context, feedback *models.Feedback) error {
	query := `
		INSERT INTO feedback (id, workspace_id, session_id, message_id, user_id, channel_id, platform_ts,
			is_helpful, origin, query_snapshot, response_snapshot, source_summaries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id, user_id) DO UPDATE SET
			is_helpful = EXCLUDED.is_helpful,
			origin = EXCLUDED.origin,
			platform_ts = EXCLUDED.platform_ts,
			query_snapshot = COALESCE(NULLIF(EXCLUDED.query_snapshot, ''), feedback.query_snapshot),
			response_snapshot = COALESCE(NULLIF(EXCLUDED.response_snapshot, ''), feedback.response_snapshot),
			source_summaries = EXCLUDED.source_summaries,
			created_at = EXCLUDED.created_at`

	summaries := feedback.SourceSummaries
	if summaries == nil {
		summaries = []string{}
	}

	_, err := s.db.Exec(ctx, query,
		feedback.ID,
		feedback.WorkspaceID,
		feedback.SessionID,
		feedback.MessageID,
		feedback.UserID,
		feedback.ChannelID,
		feedback.PlatformTS,
		feedback.IsHelpful,
		feedback.Origin,
		feedback.QuerySnapshot,
		feedback.ResponseSnapshot,
		summaries,
		feedback.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	return nil
}

func (s *Store) ListFeedback(ctx context.Context, workspaceID string, limit int) ([]models.Feedback, error) {
	query := `
		SELECT id, workspace_id, session_id, message_id, user_id, COALESCE(channel_id, ''), COALESCE(platform_ts, ''),
			is_helpful, origin, COALESCE(query_snapshot, ''), COALESCE(response_snapshot, ''),
			COALESCE(source_summaries, '{}'), created_at
		FROM feedback
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var f models.Feedback
		err := rows.Scan(&f.ID, &f.WorkspaceID, &f.SessionID, &f.MessageID, &f.UserID, &f.ChannelID, &f.PlatformTS,
			&f.IsHelpful, &f.Origin, &f.QuerySnapshot, &f.ResponseSnapshot, &f.SourceSummaries, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO analytics_events (id, workspace_id, event_type, user_id, session_id, metadata, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		event.ID,
		event.WorkspaceID,
		event.EventType,
		event.UserID,
		event.SessionID,
		metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}
