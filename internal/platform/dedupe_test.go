package platform

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeduper(t *testing.T) {
	store := NewMemorySeenStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	d := NewDeduper(store, time.Minute)
	ctx := context.Background()

	if !d.ShouldHandle(ctx, "Ev1") {
		t.Fatal("first delivery dropped")
	}
	if d.ShouldHandle(ctx, "Ev1") {
		t.Fatal("redelivery handled")
	}
	if !d.ShouldHandle(ctx, "") {
		t.Fatal("event without id dropped")
	}

	now = now.Add(2 * time.Minute)
	if !d.ShouldHandle(ctx, "Ev1") {
		t.Fatal("event after ttl dropped")
	}
}

type failingStore struct{}

func (failingStore) FirstSeen(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestDeduperFailsOpen(t *testing.T) {
	d := NewDeduper(failingStore{}, time.Minute)
	if !d.ShouldHandle(context.Background(), "Ev1") {
		t.Fatal("store error must not drop the event")
	}
}
