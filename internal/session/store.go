// Package session maps platform threads to durable sessions and their ordered
// message history.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

const defaultContextWindow = 10

// PersistenceError wraps any failure of the underlying store. Callers abort the
// turn instead of retrying inline.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Context is the recent conversation of one thread, oldest message first.
type Context struct {
	SessionID string
	Messages  []models.Message
}

// LastExchange returns the most recent user question and the assistant answer
// that followed it, if those are the last two messages.
func (c *Context) LastExchange() (question, answer *models.Message, ok bool) {
	if c == nil || len(c.Messages) < 2 {
		return nil, nil, false
	}
	q := c.Messages[len(c.Messages)-2]
	a := c.Messages[len(c.Messages)-1]
	if q.Role != models.RoleUser || a.Role != models.RoleAssistant {
		return nil, nil, false
	}
	return &q, &a, true
}

// AppendRequest describes one message to append.
type AppendRequest struct {
	SessionID  string
	UserID     string
	Role       models.Role
	Content    string
	Sources    []models.Source
	Confidence *float64
}

type Store struct {
	backend       storage.Backend
	contextWindow int
	now           func() time.Time
	onCreate      func(*models.Session)
}

type Option func(*Store)

// WithContextWindow sets the maximum number of messages GetContext returns.
func WithContextWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.contextWindow = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCreateHook registers a callback fired after a new session row is inserted.
func WithCreateHook(fn func(*models.Session)) Option {
	return func(s *Store) { s.onCreate = fn }
}

func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		contextWindow: defaultContextWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveOrCreateSession returns the id of the session owning (workspaceID,
// threadKey), reactivating a closed one or creating it on first use. Concurrent
// callers for the same thread always get the same id: a lost insert race is
// resolved by refetching the winner.
func (s *Store) ResolveOrCreateSession(ctx context.Context, channelID, threadKey, userID, workspaceID, botID string) (string, error) {
	now := s.now()

	existing, err := s.backend.FindSessionByThread(ctx, workspaceID, threadKey)
	switch {
	case err == nil:
		if existing.IsActive {
			return existing.ID, nil
		}
		if err := s.backend.ReactivateSession(ctx, existing.ID, now); err != nil {
			return "", persistenceError("reactivate", err)
		}
		logger.Debug("Session reactivated",
			zap.String("session_id", existing.ID),
			zap.String("thread_key", threadKey),
		)
		return existing.ID, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", persistenceError("lookup", err)
	}

	created := &models.Session{
		ID:           uuid.New().String(),
		WorkspaceID:  workspaceID,
		ChannelID:    channelID,
		ThreadKey:    threadKey,
		UserID:       userID,
		BotID:        botID,
		IsActive:     true,
		LastActivity: now,
		CreatedAt:    now,
	}

	err = s.backend.InsertSession(ctx, created)
	if errors.Is(err, storage.ErrConflict) {
		winner, ferr := s.backend.FindSessionByThread(ctx, workspaceID, threadKey)
		if ferr != nil {
			return "", persistenceError("refetch", ferr)
		}
		return winner.ID, nil
	}
	if err != nil {
		return "", persistenceError("create", err)
	}

	if s.onCreate != nil {
		s.onCreate(created)
	}
	return created.ID, nil
}

// AppendMessage stores one turn and bumps the session's last activity.
func (s *Store) AppendMessage(ctx context.Context, req AppendRequest) (string, error) {
	if !req.Role.Valid() {
		return "", persistenceError("append", fmt.Errorf("invalid role %q", req.Role))
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Role:      req.Role,
		UserID:    req.UserID,
		Content:   req.Content,
		CreatedAt: s.now(),
	}
	if req.Role == models.RoleAssistant {
		msg.Sources = req.Sources
		msg.Confidence = req.Confidence
	}

	if err := s.backend.InsertMessage(ctx, msg); err != nil {
		return "", persistenceError("append", err)
	}
	return msg.ID, nil
}

// GetContext returns the last messages of the thread's session, or nil when the
// thread has no session.
func (s *Store) GetContext(ctx context.Context, workspaceID, threadKey string) (*Context, error) {
	sess, err := s.backend.FindSessionByThread(ctx, workspaceID, threadKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("lookup", err)
	}

	msgs, err := s.backend.ListRecentMessages(ctx, sess.ID, s.contextWindow)
	if err != nil {
		return nil, persistenceError("context", err)
	}
	return &Context{SessionID: sess.ID, Messages: msgs}, nil
}

// HasPriorAssistantTurn reports whether the bot has already answered in the thread.
func (s *Store) HasPriorAssistantTurn(ctx context.Context, workspaceID, threadKey string) (bool, error) {
	sess, err := s.backend.FindSessionByThread(ctx, workspaceID, threadKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, persistenceError("lookup", err)
	}

	n, err := s.backend.CountMessagesByRole(ctx, sess.ID, models.RoleAssistant)
	if err != nil {
		return false, persistenceError("count", err)
	}
	return n > 0, nil
}

// CloseInactive deactivates sessions idle for longer than timeoutHours.
func (s *Store) CloseInactive(ctx context.Context, timeoutHours int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(timeoutHours) * time.Hour)

	n, err := s.backend.CloseSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return 0, persistenceError("close", err)
	}
	return n, nil
}

// Message looks up a single turn, used by the feedback path.
func (s *Store) Message(ctx context.Context, id string) (*models.Message, error) {
	m, err := s.backend.GetMessage(ctx, id)
	if err != nil {
		return nil, persistenceError("message", err)
	}
	return m, nil
}

// Session looks up a session by id.
func (s *Store) Session(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return nil, persistenceError("get", err)
	}
	return sess, nil
}

// Messages returns up to limit of the newest messages of a session, oldest first.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	msgs, err := s.backend.ListRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, persistenceError("messages", err)
	}
	return msgs, nil
}
