// Package analytics is the fire-and-forget side channel for usage events.
// Emitting never blocks a turn; sink failures are logged and dropped.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

const (
	EventMessageReceived  = "message_received"
	EventMentionReceived  = "mention_received"
	EventResponseSent     = "response_sent"
	EventResponseFailed   = "response_failed"
	EventRateLimited      = "rate_limited"
	EventFeedbackRecorded = "feedback_recorded"
	EventSessionCreated   = "session_created"
)

// Sink receives every emitted event.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.AnalyticsEvent) error
}

type Emitter struct {
	queue     chan *models.AnalyticsEvent
	sinks     []Sink
	timeout   time.Duration
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	startOnce sync.Once
}

func NewEmitter(queueSize int, sinks ...Sink) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Emitter{
		queue:   make(chan *models.AnalyticsEvent, queueSize),
		sinks:   sinks,
		timeout: 5 * time.Second,
	}
}

// Start launches the delivery worker.
func (e *Emitter) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
}

// Emit queues an event. It never blocks; a full queue drops the event.
func (e *Emitter) Emit(workspaceID, eventType, userID, sessionID string, metadata map[string]any) {
	event := &models.AnalyticsEvent{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		EventType:   eventType,
		UserID:      userID,
		SessionID:   sessionID,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.queue <- event:
	default:
		metrics.QueueDropped.WithLabelValues("analytics").Inc()
		logger.Warn("Analytics queue full, dropping event", zap.String("event_type", eventType))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Emitter) run() {
	defer e.wg.Done()

	for event := range e.queue {
		for _, sink := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			if err := sink.Write(ctx, event); err != nil {
				logger.Warn("Analytics sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", event.EventType),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// StoreWriter persists analytics rows.
type StoreWriter interface {
	InsertAnalyticsEvent(ctx context.Context, event *models.AnalyticsEvent) error
}

// StoreSink writes events to the relational store.
type StoreSink struct {
	store StoreWriter
}

func NewStoreSink(store StoreWriter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, event *models.AnalyticsEvent) error {
	return s.store.InsertAnalyticsEvent(ctx, event)
}
