// Package feedback records user judgements on assistant turns off the hot
// path. Reaction and button feedback share one persist routine.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

const (
	OriginReaction = "reaction"
	OriginButton   = "button"

	snapshotLookback = 50
)

var ErrNotAssistantMessage = errors.New("feedback target is not an assistant message")

// Store is the slice of the persistence contract the recorder needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	SetMessageFeedback(ctx context.Context, messageID string, rating int) (bool, error)
	UpsertFeedback(ctx context.Context, feedback *models.Feedback) error
}

// Emitter receives a feedback_recorded event per stored judgement.
type Emitter interface {
	Emit(workspaceID, eventType, userID, sessionID string, metadata map[string]any)
}

// Request is one feedback submission.
type Request struct {
	WorkspaceID string
	SessionID   string
	MessageID   string
	UserID      string
	ChannelID   string
	PlatformTS  string
	Helpful     bool
	Origin      string
}

type Recorder struct {
	store   Store
	emitter Emitter
	queue   chan Request
	workers int
	timeout time.Duration

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	startOnce sync.Once
}

type Option func(*Recorder)

func WithEmitter(e Emitter) Option {
	return func(r *Recorder) { r.emitter = e }
}

func WithWorkers(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

func NewRecorder(store Store, queueSize int, opts ...Option) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store:   store,
		queue:   make(chan Request, queueSize),
		workers: 2,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
		logger.Info("Feedback recorder started", zap.Int("workers", r.workers))
	})
}

// Stop stops accepting feedback and waits until the queue is drained.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

// Record queues reaction-style binary feedback. A positive rating is helpful.
// It reports whether the submission was accepted.
func (r *Recorder) Record(sessionID, messageID string, rating int, workspaceID, userID string) bool {
	return r.enqueue(Request{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		MessageID:   messageID,
		UserID:      userID,
		Helpful:     rating > 0,
		Origin:      OriginReaction,
	})
}

// RecordDetailed queues button feedback carrying channel and platform message
// references. The persisted row snapshots the turn as stored.
func (r *Recorder) RecordDetailed(req Request) bool {
	if req.Origin == "" {
		req.Origin = OriginButton
	}
	return r.enqueue(req)
}

func (r *Recorder) enqueue(req Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.queue <- req:
		return true
	default:
		metrics.QueueDropped.WithLabelValues("feedback").Inc()
		logger.Warn("Feedback queue full, dropping submission",
			zap.String("message_id", req.MessageID),
			zap.String("user_id", req.UserID),
		)
		return false
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for req := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.persist(ctx, req); err != nil {
			logger.Error("Failed to record feedback",
				zap.String("workspace_id", req.WorkspaceID),
				zap.String("message_id", req.MessageID),
				zap.String("user_id", req.UserID),
				zap.String("origin", req.Origin),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (r *Recorder) persist(ctx context.Context, req Request) error {
	msg, err := r.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if msg.Role != models.RoleAssistant {
		return ErrNotAssistantMessage
	}
	if req.SessionID == "" {
		req.SessionID = msg.SessionID
	} else if req.SessionID != msg.SessionID {
		return fmt.Errorf("message %s does not belong to session %s", msg.ID, req.SessionID)
	}

	rating := -1
	if req.Helpful {
		rating = 1
	}
	first, err := r.store.SetMessageFeedback(ctx, msg.ID, rating)
	if err != nil {
		return fmt.Errorf("failed to set message rating: %w", err)
	}

	query, err := r.precedingQuestion(ctx, msg)
	if err != nil {
		logger.Warn("Failed to load query snapshot", zap.String("message_id", msg.ID), zap.Error(err))
	}

	record := &models.Feedback{
		ID:               uuid.New().String(),
		WorkspaceID:      req.WorkspaceID,
		SessionID:        req.SessionID,
		MessageID:        msg.ID,
		UserID:           req.UserID,
		ChannelID:        req.ChannelID,
		PlatformTS:       req.PlatformTS,
		IsHelpful:        req.Helpful,
		Origin:           req.Origin,
		QuerySnapshot:    query,
		ResponseSnapshot: msg.Content,
		SourceSummaries:  SourceSummaries(msg.Sources),
		CreatedAt:        time.Now(),
	}
	if err := r.store.UpsertFeedback(ctx, record); err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues(req.Origin, strconv.FormatBool(req.Helpful)).Inc()
	if r.emitter != nil {
		r.emitter.Emit(req.WorkspaceID, "feedback_recorded", req.UserID, req.SessionID, map[string]any{
			"message_id":   msg.ID,
			"is_helpful":   req.Helpful,
			"origin":       req.Origin,
			"first_rating": first,
		})
	}
	return nil
}

// precedingQuestion returns the latest user message stored before msg.
func (r *Recorder) precedingQuestion(ctx context.Context, msg *models.Message) (string, error) {
	recent, err := r.store.ListRecentMessages(ctx, msg.SessionID, snapshotLookback)
	if err != nil {
		return "", err
	}

	question := ""
	for _, m := range recent {
		if m.ID == msg.ID {
			return question, nil
		}
		if m.Role == models.RoleUser {
			question = m.Content
		}
	}
	return "", nil
}

// SourceSummaries renders sources as "title (url)" lines.
func SourceSummaries(sources []models.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.URL == "" {
			out = append(out, s.Title)
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s)", s.Title, s.URL))
	}
	return out
}

// RatingForReaction maps a reaction name to a binary rating.
func RatingForReaction(name string) (int, bool) {
	switch name {
	case "+1", "thumbsup":
		return 1, true
	case "-1", "thumbsdown":
		return -1, true
	}
	return 0, false
}
