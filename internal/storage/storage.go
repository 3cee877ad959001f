package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cluebase/backend/internal/storage/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

// Backend is the CRUD-shaped relational contract the session store, feedback
// recorder and analytics sink are built on. Implementations must enforce
// uniqueness of sessions on (workspace_id, thread_key).
type Backend interface {
	FindSessionByThread(ctx context.Context, workspaceID, threadKey string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	InsertSession(ctx context.Context, session *models.Session) error
	ReactivateSession(ctx context.Context, id string, at time.Time) error
	CloseSessionsIdleSince(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertMessage stores the message and bumps the owning session's
	// last_activity. Returns ErrNotFound if the session does not exist.
	InsertMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListRecentMessages returns up to limit messages, oldest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	CountMessagesByRole(ctx context.Context, sessionID string, role models.Role) (int, error)
	// SetMessageFeedback sets feedback_rating only if it is still unset and
	// reports whether it did.
	SetMessageFeedback(ctx context.Context, messageID string, rating int) (bool, error)

	UpsertFeedback(ctx context.Context, feedback *models.Feedback) error
	ListFeedback(ctx context.Context, workspaceID string, limit int) ([]models.Feedback, error)

	InsertAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error

	Close() error
}
