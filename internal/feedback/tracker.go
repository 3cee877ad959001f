package feedback

import (
	"sync"
)

// Turn identifies a stored assistant message.
type Turn struct {
	SessionID string
	MessageID string
}

// Tracker remembers which stored turn a posted platform message carries, so
// reactions (which only reference the platform message) can be attributed.
// Oldest entries are evicted once capacity is reached.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]Turn
	order    []string
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Tracker{
		capacity: capacity,
		entries:  make(map[string]Turn, capacity),
	}
}

func trackerKey(channelID, platformTS string) string {
	return channelID + "|" + platformTS
}

func (t *Tracker) Track(channelID, platformTS string, turn Turn) {
	if platformTS == "" {
		return
	}
	key := trackerKey(channelID, platformTS)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; !ok {
		t.order = append(t.order, key)
	}
	t.entries[key] = turn

	for len(t.order) > t.capacity {
		delete(t.entries, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *Tracker) Lookup(channelID, platformTS string) (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turn, ok := t.entries[trackerKey(channelID, platformTS)]
	return turn, ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
