package platform

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/pkg/logger"
)

const DedupeTTL = 10 * time.Minute

// SeenStore remembers event ids for a while.
type SeenStore interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Deduper drops redelivered events. Store errors let the event through.
type Deduper struct {
	store SeenStore
	ttl   time.Duration
}

func NewDeduper(store SeenStore, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DedupeTTL
	}
	return &Deduper{store: store, ttl: ttl}
}

// ShouldHandle reports whether eventID has not been handled yet. Empty ids
// are always handled.
func (d *Deduper) ShouldHandle(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return true
	}

	first, err := d.store.FirstSeen(ctx, eventID, d.ttl)
	if err != nil {
		logger.Warn("Event dedupe check failed", zap.Error(err), zap.String("event_id", eventID))
		return true
	}
	if !first {
		metrics.DuplicateEvents.Inc()
		logger.Debug("Dropping redelivered event", zap.String("event_id", eventID))
	}
	return first
}

// MemorySeenStore is a process-local SeenStore for deployments without redis.
type MemorySeenStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemorySeenStore) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	if len(m.entries) > 10000 {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}
