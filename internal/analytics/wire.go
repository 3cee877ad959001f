package analytics

import (
	"time"

	"github.com/cluebase/backend/internal/storage/models"
)

// WireEvent is the JSON shape published to the broker and the live feed.
type WireEvent struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	EventType   string         `json:"event_type"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func toWire(e *models.AnalyticsEvent) WireEvent {
	return WireEvent{
		ID:          e.ID,
		WorkspaceID: e.WorkspaceID,
		EventType:   e.EventType,
		UserID:      e.UserID,
		SessionID:   e.SessionID,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt,
	}
}
