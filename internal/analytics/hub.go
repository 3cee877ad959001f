package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cluebase/backend/internal/storage/models"
)

// Hub broadcasts events to live subscribers such as dashboard websockets.
// Slow subscribers miss events rather than stall delivery.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	workspaceID string
	ch          chan []byte
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

func (h *Hub) Name() string { return "hub" }

// Subscribe returns a channel of JSON-encoded events for one workspace and a
// function that must be called to release it.
func (h *Hub) Subscribe(workspaceID string, buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan []byte, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{workspaceID: workspaceID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Write(_ context.Context, event *models.AnalyticsEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return nil
	}

	body, err := json.Marshal(toWire(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, s := range h.subs {
		if s.workspaceID != "" && s.workspaceID != event.WorkspaceID {
			continue
		}
		select {
		case s.ch <- body:
		default:
		}
	}
	return nil
}
