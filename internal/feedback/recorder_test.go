package feedback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/internal/storage/sqlite"
)

func newBackend(t *testing.T) *sqlite.Client {
	t.Helper()

	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return c
}

// seedTurn stores a question and its answer and returns the answer id.
func seedTurn(t *testing.T, c *sqlite.Client) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	err := c.InsertSession(ctx, &models.Session{
		ID: "s1", WorkspaceID: "ws-1", ChannelID: "C1", ThreadKey: "T1", UserID: "U1",
		LastActivity: now, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	confidence := 0.82
	msgs := []*models.Message{
		{ID: "m1", SessionID: "s1", Role: models.RoleUser, UserID: "U1", Content: "What is the vacation policy?", CreatedAt: now},
		{
			ID: "m2", SessionID: "s1", Role: models.RoleAssistant, UserID: "B1",
			Content:    "You get 20 days per year [1].",
			Sources:    []models.Source{{Title: "Vacation Policy", URL: "https://wiki/vacation", Score: 0.9}},
			Confidence: &confidence,
			CreatedAt:  now.Add(time.Second),
		},
	}
	for _, m := range msgs {
		if err := c.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	return "m2"
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(_, eventType, _, _ string, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func TestRecordDetailedSnapshotsTurn(t *testing.T) {
	backend := newBackend(t)
	messageID := seedTurn(t, backend)
	emitter := &recordingEmitter{}

	r := NewRecorder(backend, 8, WithEmitter(emitter))
	r.Start()
	ok := r.RecordDetailed(Request{
		WorkspaceID: "ws-1", SessionID: "s1", MessageID: messageID, UserID: "U1",
		ChannelID: "C1", PlatformTS: "1700000000.000200", Helpful: true,
	})
	if !ok {
		t.Fatal("RecordDetailed was not accepted")
	}
	r.Stop()

	rows, err := backend.ListFeedback(context.Background(), "ws-1", 10)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 feedback row, got %d", len(rows))
	}
	fb := rows[0]
	if !fb.IsHelpful || fb.Origin != OriginButton {
		t.Fatalf("unexpected feedback %+v", fb)
	}
	if fb.QuerySnapshot != "What is the vacation policy?" {
		t.Fatalf("query snapshot = %q", fb.QuerySnapshot)
	}
	if fb.ResponseSnapshot != "You get 20 days per year [1]." {
		t.Fatalf("response snapshot = %q", fb.ResponseSnapshot)
	}
	if len(fb.SourceSummaries) != 1 || fb.SourceSummaries[0] != "Vacation Policy (https://wiki/vacation)" {
		t.Fatalf("source summaries = %v", fb.SourceSummaries)
	}
	if len(emitter.events) != 1 || emitter.events[0] != "feedback_recorded" {
		t.Fatalf("events = %v", emitter.events)
	}
}

func TestFeedbackLeavesTurnUntouched(t *testing.T) {
	backend := newBackend(t)
	messageID := seedTurn(t, backend)
	ctx := context.Background()

	before, err := backend.GetMessage(ctx, messageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}

	r := NewRecorder(backend, 8, WithWorkers(1))
	r.Start()
	r.Record("s1", messageID, -1, "ws-1", "U1")
	r.RecordDetailed(Request{WorkspaceID: "ws-1", SessionID: "s1", MessageID: messageID, UserID: "U1", Helpful: true})
	r.Stop()

	after, err := backend.GetMessage(ctx, messageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if after.Content != before.Content || *after.Confidence != *before.Confidence {
		t.Fatalf("turn changed: before %+v after %+v", before, after)
	}
	if len(after.Sources) != len(before.Sources) || after.Sources[0] != before.Sources[0] {
		t.Fatalf("sources changed: %v -> %v", before.Sources, after.Sources)
	}
	// The first rating sticks on the message.
	if after.FeedbackRating == nil || *after.FeedbackRating != -1 {
		t.Fatalf("feedback rating = %v", after.FeedbackRating)
	}

	// Both paths land on one row per user and the latest judgement wins.
	rows, err := backend.ListFeedback(ctx, "ws-1", 10)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(rows) != 1 || !rows[0].IsHelpful {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestRecordRejectsUserMessage(t *testing.T) {
	backend := newBackend(t)
	seedTurn(t, backend)

	r := NewRecorder(backend, 8)
	if err := r.persist(context.Background(), Request{WorkspaceID: "ws-1", MessageID: "m1", UserID: "U1", Helpful: true}); err != ErrNotAssistantMessage {
		t.Fatalf("expected ErrNotAssistantMessage, got %v", err)
	}
	if err := r.persist(context.Background(), Request{WorkspaceID: "ws-1", SessionID: "other", MessageID: "m2", UserID: "U1"}); err == nil {
		t.Fatal("expected session mismatch error")
	}
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	r := NewRecorder(newBackend(t), 1)

	if !r.Record("s1", "m2", 1, "ws-1", "U1") {
		t.Fatal("first submission should be queued")
	}
	if r.Record("s1", "m2", 1, "ws-1", "U2") {
		t.Fatal("second submission should be dropped")
	}

	r.Stop()
	if r.Record("s1", "m2", 1, "ws-1", "U3") {
		t.Fatal("submission after Stop should be refused")
	}
}

func TestRatingForReaction(t *testing.T) {
	tests := []struct {
		name   string
		rating int
		ok     bool
	}{
		{"+1", 1, true},
		{"thumbsup", 1, true},
		{"-1", -1, true},
		{"thumbsdown", -1, true},
		{"tada", 0, false},
	}

	for _, tt := range tests {
		rating, ok := RatingForReaction(tt.name)
		if rating != tt.rating || ok != tt.ok {
			t.Errorf("RatingForReaction(%q) = %d, %v", tt.name, rating, ok)
		}
	}
}

func TestTrackerEvictsOldest(t *testing.T) {
	tr := NewTracker(2)
	tr.Track("C1", "1.1", Turn{SessionID: "s1", MessageID: "m1"})
	tr.Track("C1", "1.2", Turn{SessionID: "s1", MessageID: "m2"})
	tr.Track("C1", "1.3", Turn{SessionID: "s1", MessageID: "m3"})
	tr.Track("C1", "", Turn{SessionID: "s1", MessageID: "m4"})

	if _, ok := tr.Lookup("C1", "1.1"); ok {
		t.Fatal("oldest entry should be evicted")
	}
	turn, ok := tr.Lookup("C1", "1.3")
	if !ok || turn.MessageID != "m3" {
		t.Fatalf("Lookup = %+v, %v", turn, ok)
	}
	if _, ok := tr.Lookup("C2", "1.3"); ok {
		t.Fatal("lookup must be scoped by channel")
	}
	if tr.Len() != 2 {
		t.Fatalf("Len = %d", tr.Len())
	}
}
