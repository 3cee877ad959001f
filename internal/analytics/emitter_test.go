package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cluebase/backend/internal/storage/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*models.AnalyticsEvent
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, e *models.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestEmitterDeliversToAllSinks(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	e := NewEmitter(8, failing, ok)
	e.Start()

	e.Emit("ws-1", EventMessageReceived, "U1", "", map[string]any{"intent": "question"})
	e.Emit("ws-1", EventResponseSent, "U1", "s1", nil)
	e.Close()

	if len(ok.events) != 2 || len(failing.events) != 2 {
		t.Fatalf("delivered %d/%d events", len(ok.events), len(failing.events))
	}
	if ok.events[0].EventType != EventMessageReceived || ok.events[0].ID == "" {
		t.Fatalf("unexpected event %+v", ok.events[0])
	}

	// Emitting after Close is a no-op.
	e.Emit("ws-1", EventResponseSent, "U1", "s1", nil)
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Write(context.Context, *models.AnalyticsEvent) error {
	<-b.release
	return nil
}

func TestEmitNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	e := NewEmitter(1, sink)
	e.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			e.Emit("ws-1", EventMessageReceived, "U1", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}

	close(sink.release)
	e.Close()
}

func TestHub(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("ws-1", 4)
	other, cancelOther := h.Subscribe("ws-2", 4)
	defer cancelOther()

	err := h.Write(context.Background(), &models.AnalyticsEvent{ID: "e1", WorkspaceID: "ws-1", EventType: EventResponseSent})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case body := <-ch:
		var got WireEvent
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.ID != "e1" || got.EventType != EventResponseSent {
			t.Fatalf("unexpected event %+v", got)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other:
		t.Fatal("event leaked to another workspace")
	default:
	}

	cancel()
	cancel()
	if n := h.Subscribers(); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
}
