package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cluebase/backend/internal/feedback"
	"github.com/cluebase/backend/internal/generator"
	"github.com/cluebase/backend/internal/intent"
	"github.com/cluebase/backend/internal/llm"
	"github.com/cluebase/backend/internal/platform"
	"github.com/cluebase/backend/internal/ratelimit"
	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/internal/session"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/internal/storage/sqlite"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []platform.OutboundMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg platform.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("1700000000.%06d", len(s.sent)), nil
}

func (s *fakeSender) last(t *testing.T) platform.OutboundMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return s.sent[len(s.sent)-1]
}

// fakeGenerator records which branch was taken.
type fakeGenerator struct {
	mu          sync.Mutex
	calls       []generator.Branch
	corrections []generator.Correction
	prior       [][]models.Message
	result      generator.Result
}

func (g *fakeGenerator) answer(branch generator.Branch) generator.Result {
	g.calls = append(g.calls, branch)
	res := g.result
	res.Branch = branch
	return res
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, _ generator.BotOptions) generator.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.answer(generator.BranchNew)
}

func (g *fakeGenerator) GenerateFollowUp(_ context.Context, _, _ string, _ generator.BotOptions, prior []models.Message) generator.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prior = append(g.prior, prior)
	return g.answer(generator.BranchFollowUp)
}

func (g *fakeGenerator) HandleCorrection(_ context.Context, c generator.Correction, _ generator.BotOptions) generator.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.corrections = append(g.corrections, c)
	return g.answer(generator.BranchCorrection)
}

type fakeFeedback struct {
	mu       sync.Mutex
	records  []string
	detailed []feedback.Request
}

func (f *fakeFeedback) Record(sessionID, messageID string, rating int, workspaceID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, fmt.Sprintf("%s/%s/%d/%s/%s", sessionID, messageID, rating, workspaceID, userID))
	return true
}

func (f *fakeFeedback) RecordDetailed(req feedback.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailed = append(f.detailed, req)
	return true
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Store
	sender   *fakeSender
	feedback *fakeFeedback
}

type harnessConfig struct {
	gen     Generator
	limiter *ratelimit.RateLimiter
	deduper *platform.Deduper
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	backend, err := sqlite.NewClient(filepath.Join(t.TempDir(), "turns.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	if err := backend.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	if cfg.limiter == nil {
		cfg.limiter = ratelimit.New(ratelimit.Config{MaxRequests: 100, Window: time.Minute})
	}
	t.Cleanup(cfg.limiter.Stop)

	h := &harness{
		sessions: session.NewStore(backend),
		sender:   &fakeSender{},
		feedback: &fakeFeedback{},
	}
	h.orch = New(Runtime{
		BotID:       "B1",
		BotUserID:   "UBOT",
		WorkspaceID: "ws-1",
		Sender:      h.sender,
		Options:     generator.BotOptions{Name: "Clue"},
	}, Deps{
		Sessions:   h.sessions,
		Classifier: intent.New(intent.DefaultThreshold, intent.WithTagger(nil)),
		Limiter:    cfg.limiter,
		Generator:  cfg.gen,
		Feedback:   h.feedback,
		Deduper:    cfg.deduper,
	})
	return h
}

func (h *harness) messages(t *testing.T, threadKey string) []models.Message {
	t.Helper()
	convo, err := h.sessions.GetContext(context.Background(), "ws-1", threadKey)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if convo == nil {
		return nil
	}
	return convo.Messages
}

func question(id, thread, text string, reply bool) platform.MessageEvent {
	return platform.MessageEvent{
		EventID:       id,
		WorkspaceID:   "ws-1",
		ChannelID:     "C1",
		ThreadKey:     thread,
		MessageTS:     id,
		UserID:        "U1",
		Text:          text,
		IsThreadReply: reply,
	}
}

type stubSearcher struct {
	chunks []retrieval.Chunk
}

func (s stubSearcher) Search(context.Context, string, string, retrieval.Filter) ([]retrieval.Chunk, error) {
	return s.chunks, nil
}

type stubCompleter struct {
	content string
	block   chan struct{}
}

func (c stubCompleter) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if c.block != nil {
		<-c.block
	}
	return &llm.CompletionResponse{Content: c.content, FinishReason: "stop", Usage: llm.Usage{TotalTokens: 30}}, nil
}

func TestVacationPolicyEndToEnd(t *testing.T) {
	gen := generator.New(
		stubSearcher{chunks: []retrieval.Chunk{
			{ID: "c1", Content: "Full-time employees receive 20 days of paid vacation per year.", Title: "Vacation Policy", URL: "https://wiki/vacation", Score: 0.92},
		}},
		stubCompleter{content: "Full-time employees get 20 days of paid vacation per year [1]."},
		time.Second, 5,
	)
	h := newHarness(t, harnessConfig{gen: gen})

	state := h.orch.HandleMessage(context.Background(), question("1.1", "1.1", "What is our vacation policy?", false))
	if state != StatePersisted {
		t.Fatalf("state = %s", state)
	}

	msgs := h.messages(t, "1.1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	answer := msgs[1]
	if len(answer.Sources) == 0 {
		t.Fatal("assistant message has no sources")
	}
	if answer.Confidence == nil || *answer.Confidence < 0 || *answer.Confidence > 1 {
		t.Fatalf("confidence = %v", answer.Confidence)
	}

	out := h.sender.last(t)
	if out.ThreadKey != "1.1" || out.Feedback == nil || out.Feedback.MessageID != answer.ID {
		t.Fatalf("unexpected outbound %+v", out)
	}
	if len(out.Citations) != 1 || out.Citations[0].URL != "https://wiki/vacation" {
		t.Fatalf("citations = %+v", out.Citations)
	}
	if out.Warning != "" {
		t.Fatalf("unexpected low-confidence warning at %f", *answer.Confidence)
	}

	// A reaction on the posted answer is attributed to the stored turn.
	ok := h.orch.HandleReaction(context.Background(), platform.ReactionEvent{
		EventID: "r1", WorkspaceID: "ws-1", ChannelID: "C1", MessageTS: "1700000000.000001", UserID: "U2", Reaction: "+1",
	})
	if !ok {
		t.Fatal("reaction was not recorded")
	}
	want := fmt.Sprintf("%s/%s/1/ws-1/U2", answer.SessionID, answer.ID)
	if len(h.feedback.records) != 1 || h.feedback.records[0] != want {
		t.Fatalf("records = %v, want %s", h.feedback.records, want)
	}
}

func TestCorrectionRouting(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{
		Outcome:  generator.OutcomeOK,
		Response: generator.Response{Content: "Employees get 20 days [1].", Sources: []models.Source{{Title: "Vacation Policy"}}, Confidence: 0.8},
	}}
	h := newHarness(t, harnessConfig{gen: gen})
	ctx := context.Background()

	if state := h.orch.HandleMessage(ctx, question("1.1", "1.1", "How many vacation days do we get?", false)); state != StatePersisted {
		t.Fatalf("first turn state = %s", state)
	}
	if state := h.orch.HandleMessage(ctx, question("1.2", "1.1", "No, that's wrong, it's 25 days since January", true)); state != StatePersisted {
		t.Fatalf("correction state = %s", state)
	}

	if len(gen.calls) != 2 || gen.calls[1] != generator.BranchCorrection {
		t.Fatalf("calls = %v", gen.calls)
	}
	c := gen.corrections[0]
	if c.OriginalQuestion != "How many vacation days do we get?" || c.OriginalAnswer != "Employees get 20 days [1]." {
		t.Fatalf("correction = %+v", c)
	}
	if c.WorkspaceID != "ws-1" || c.UserID != "U1" {
		t.Fatalf("correction identity = %+v", c)
	}
}

func TestFollowUpRouting(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{
		Outcome:  generator.OutcomeOK,
		Response: generator.Response{Content: "Contractors get 10 days.", Confidence: 0.7},
	}}
	h := newHarness(t, harnessConfig{gen: gen})
	ctx := context.Background()

	h.orch.HandleMessage(ctx, question("1.1", "1.1", "How many vacation days do we get?", false))
	state := h.orch.HandleMessage(ctx, question("1.2", "1.1", "and for contractors?", true))
	if state != StatePersisted {
		t.Fatalf("state = %s", state)
	}

	if len(gen.calls) != 2 || gen.calls[1] != generator.BranchFollowUp {
		t.Fatalf("calls = %v", gen.calls)
	}
	if len(gen.prior[0]) != 2 {
		t.Fatalf("follow-up saw %d prior messages", len(gen.prior[0]))
	}
}

func TestCorrectionWithoutPriorExchangeFallsBack(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{
		Outcome:  generator.OutcomeOK,
		Response: generator.Response{Content: "Employees get 20 days.", Confidence: 0.8},
	}}
	h := newHarness(t, harnessConfig{gen: gen})
	ctx := context.Background()

	if state := h.orch.HandleMessage(ctx, question("2.1", "2.1", "How many vacation days do we get?", false)); state != StatePersisted {
		t.Fatalf("first turn state = %s", state)
	}

	// The second turn times out, leaving an unanswered user message last.
	gen.result = generator.Result{Outcome: generator.OutcomeTimedOut, Err: generator.ErrTimeout}
	if state := h.orch.HandleMessage(ctx, question("2.2", "2.1", "What about sick days?", true)); state != StateFailed {
		t.Fatalf("second turn state = %s", state)
	}

	gen.result = generator.Result{
		Outcome:  generator.OutcomeOK,
		Response: generator.Response{Content: "Answer.", Confidence: 0.3},
	}
	correction := "No, that's wrong, it's 25 days"
	cls := intent.New(intent.DefaultThreshold, intent.WithTagger(nil)).Classify(intent.Input{Text: correction, IsThreadReply: true, HasPriorBotReply: true})
	if cls.Intent != intent.Correction {
		t.Fatalf("setup: %q classified as %s", correction, cls.Intent)
	}
	if state := h.orch.HandleMessage(ctx, question("2.3", "2.1", correction, true)); state != StatePersisted {
		t.Fatalf("correction state = %s", state)
	}

	want := []generator.Branch{generator.BranchNew, generator.BranchFollowUp, generator.BranchNew}
	if fmt.Sprint(gen.calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", gen.calls, want)
	}
	if len(gen.corrections) != 0 {
		t.Fatalf("correction branch taken without a prior exchange: %+v", gen.corrections)
	}
	if out := h.sender.last(t); out.Warning != LowConfidenceWarning {
		t.Fatalf("expected low-confidence warning, got %q", out.Warning)
	}
}

func TestDeclineInBotThreadIsNotAnswered(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{
		Outcome:  generator.OutcomeOK,
		Response: generator.Response{Content: "Employees get 20 days.", Confidence: 0.8},
	}}
	h := newHarness(t, harnessConfig{gen: gen})
	ctx := context.Background()

	h.orch.HandleMessage(ctx, question("8.1", "8.1", "How many vacation days do we get?", false))
	for i, text := range []string{"no, thanks", "nope", "No, that's all I needed, thanks!"} {
		if state := h.orch.HandleMessage(ctx, question(fmt.Sprintf("8.%d", i+2), "8.1", text, true)); state != StateRejected {
			t.Fatalf("%q: state = %s", text, state)
		}
	}
	if len(gen.calls) != 1 {
		t.Fatalf("calls = %v", gen.calls)
	}
	if msgs := h.messages(t, "8.1"); len(msgs) != 2 {
		t.Fatalf("declines were stored: %d messages", len(msgs))
	}
}

func TestTimeoutIsolation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	gen := generator.New(
		stubSearcher{chunks: []retrieval.Chunk{{ID: "c1", Content: "text", Title: "Doc", Score: 0.9}}},
		stubCompleter{content: "late", block: block},
		50*time.Millisecond, 5,
	)
	h := newHarness(t, harnessConfig{gen: gen})

	state := h.orch.HandleMessage(context.Background(), question("3.1", "3.1", "What is the expense limit for travel?", false))
	if state != StateFailed {
		t.Fatalf("state = %s", state)
	}
	if out := h.sender.last(t); out.Text != TimeoutApology {
		t.Fatalf("sent %q", out.Text)
	}

	msgs := h.messages(t, "3.1")
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
}

func TestGenerationFailureSendsGenericApology(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{Outcome: generator.OutcomeFailed, Err: errors.New("llm unavailable")}}
	h := newHarness(t, harnessConfig{gen: gen})

	state := h.orch.HandleMessage(context.Background(), question("4.1", "4.1", "Where is the onboarding checklist?", false))
	if state != StateFailed {
		t.Fatalf("state = %s", state)
	}
	h.sender.mu.Lock()
	sent := len(h.sender.sent)
	h.sender.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected exactly one reply, got %d", sent)
	}
	if out := h.sender.last(t); out.Text != GenericApology {
		t.Fatalf("sent %q", out.Text)
	}
	if msgs := h.messages(t, "4.1"); len(msgs) != 1 {
		t.Fatalf("expected the user message to be kept, got %d messages", len(msgs))
	}
}

// failingSessions wraps a real store and fails one step of the turn.
type failingSessions struct {
	*session.Store
	failAt string
}

func (f *failingSessions) err(op string) error {
	return &session.PersistenceError{Op: op, Err: errors.New("database is locked")}
}

func (f *failingSessions) ResolveOrCreateSession(ctx context.Context, channelID, threadKey, userID, workspaceID, botID string) (string, error) {
	if f.failAt == "resolve" {
		return "", f.err("resolve")
	}
	return f.Store.ResolveOrCreateSession(ctx, channelID, threadKey, userID, workspaceID, botID)
}

func (f *failingSessions) GetContext(ctx context.Context, workspaceID, threadKey string) (*session.Context, error) {
	if f.failAt == "context" {
		return nil, f.err("context")
	}
	return f.Store.GetContext(ctx, workspaceID, threadKey)
}

func (f *failingSessions) AppendMessage(ctx context.Context, req session.AppendRequest) (string, error) {
	if f.failAt == "append_"+string(req.Role) {
		return "", f.err("append")
	}
	return f.Store.AppendMessage(ctx, req)
}

func TestPersistenceFailureSendsGenericApology(t *testing.T) {
	tests := []struct {
		failAt       string
		userMessages int
		generated    bool
	}{
		{failAt: "resolve"},
		{failAt: "context"},
		{failAt: "append_user"},
		{failAt: "append_assistant", userMessages: 1, generated: true},
	}

	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			gen := &fakeGenerator{result: generator.Result{Outcome: generator.OutcomeOK, Response: generator.Response{Content: "ok", Confidence: 0.9}}}
			h := newHarness(t, harnessConfig{gen: gen})
			h.orch.deps.Sessions = &failingSessions{Store: h.sessions, failAt: tt.failAt}

			state := h.orch.HandleMessage(context.Background(), question("9.1", "9.1", "Where is the onboarding checklist?", false))
			if state != StateFailed {
				t.Fatalf("state = %s", state)
			}

			h.sender.mu.Lock()
			sent := append([]platform.OutboundMessage(nil), h.sender.sent...)
			h.sender.mu.Unlock()
			if len(sent) != 1 || sent[0].Text != GenericApology {
				t.Fatalf("sent = %+v", sent)
			}

			if (len(gen.calls) > 0) != tt.generated {
				t.Fatalf("generator calls = %v", gen.calls)
			}

			msgs := h.messages(t, "9.1")
			if len(msgs) != tt.userMessages {
				t.Fatalf("stored %d messages, want %d", len(msgs), tt.userMessages)
			}
			for _, m := range msgs {
				if m.Role != models.RoleUser {
					t.Fatalf("unexpected %s message stored", m.Role)
				}
			}
		})
	}
}

func TestRateLimitDenialCarriesWaitTime(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 1, Window: 40 * time.Second, Now: clock})
	gen := &fakeGenerator{result: generator.Result{Outcome: generator.OutcomeOK, Response: generator.Response{Content: "ok", Confidence: 0.9}}}
	h := newHarness(t, harnessConfig{gen: gen, limiter: limiter})
	ctx := context.Background()

	if state := h.orch.HandleMessage(ctx, question("5.1", "5.1", "What is the wifi password?", false)); state != StatePersisted {
		t.Fatalf("state = %s", state)
	}

	mu.Lock()
	now = now.Add(300 * time.Millisecond)
	mu.Unlock()

	state := h.orch.HandleMessage(ctx, question("5.2", "5.2", "Who approves expense reports?", false))
	if state != StateRateLimited {
		t.Fatalf("state = %s", state)
	}
	out := h.sender.last(t)
	if out.Text != RateLimitNotice(40) || !strings.Contains(out.Text, "wait 40 seconds") {
		t.Fatalf("notice = %q", out.Text)
	}
	if msgs := h.messages(t, "5.2"); msgs != nil {
		t.Fatalf("denied message must not create a session, got %d messages", len(msgs))
	}
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times", len(gen.calls))
	}
}

func TestRejectedMessageTouchesNothing(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 1, Window: time.Minute})
	gen := &fakeGenerator{result: generator.Result{Outcome: generator.OutcomeOK, Response: generator.Response{Content: "ok", Confidence: 0.9}}}
	h := newHarness(t, harnessConfig{gen: gen, limiter: limiter})
	ctx := context.Background()

	for i, text := range []string{"thanks!", "lunch is here", "👍"} {
		if state := h.orch.HandleMessage(ctx, question(fmt.Sprintf("6.%d", i), "6.0", text, false)); state != StateRejected {
			t.Fatalf("%q: state = %s", text, state)
		}
	}
	if msgs := h.messages(t, "6.0"); msgs != nil {
		t.Fatal("rejected messages must not create a session")
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("rejected messages produced %d replies", len(h.sender.sent))
	}

	// The single allowed request is still available.
	if state := h.orch.HandleMessage(ctx, question("6.9", "6.9", "What time is the all-hands meeting?", false)); state != StatePersisted {
		t.Fatalf("state = %s", state)
	}
}

func TestOwnAndDuplicateMessagesIgnored(t *testing.T) {
	gen := &fakeGenerator{result: generator.Result{Outcome: generator.OutcomeOK, Response: generator.Response{Content: "ok", Confidence: 0.9}}}
	h := newHarness(t, harnessConfig{gen: gen, deduper: platform.NewDeduper(platform.NewMemorySeenStore(), time.Minute)})
	ctx := context.Background()

	own := question("7.0", "7.0", "What is the vacation policy?", false)
	own.UserID = "UBOT"
	if state := h.orch.HandleMessage(ctx, own); state != StateIgnored {
		t.Fatalf("own message state = %s", state)
	}

	ev := question("7.1", "7.1", "What is the vacation policy?", false)
	if state := h.orch.HandleMessage(ctx, ev); state != StatePersisted {
		t.Fatalf("state = %s", state)
	}
	if state := h.orch.HandleMessage(ctx, ev); state != StateDuplicate {
		t.Fatalf("redelivered state = %s", state)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times", len(gen.calls))
	}
}

func TestHandleAction(t *testing.T) {
	h := newHarness(t, harnessConfig{gen: &fakeGenerator{}})
	ctx := context.Background()
	value := platform.FeedbackValue(platform.FeedbackControls{SessionID: "s1", MessageID: "m2"})

	if !h.orch.HandleAction(ctx, platform.ActionEvent{EventID: "a1", ChannelID: "C1", MessageTS: "1.5", UserID: "U1", ActionID: platform.ActionNotHelpful, Value: value}) {
		t.Fatal("feedback action was not accepted")
	}
	if h.orch.HandleAction(ctx, platform.ActionEvent{EventID: "a2", UserID: "U1", ActionID: "open_docs", Value: value}) {
		t.Fatal("non-feedback action must be ignored")
	}
	if h.orch.HandleAction(ctx, platform.ActionEvent{EventID: "a3", UserID: "U1", ActionID: platform.ActionHelpful, Value: "garbage"}) {
		t.Fatal("malformed value must be ignored")
	}

	if len(h.feedback.detailed) != 1 {
		t.Fatalf("detailed = %+v", h.feedback.detailed)
	}
	req := h.feedback.detailed[0]
	if req.Helpful || req.SessionID != "s1" || req.MessageID != "m2" || req.WorkspaceID != "ws-1" || req.PlatformTS != "1.5" {
		t.Fatalf("request = %+v", req)
	}
}

func TestRateLimitNotice(t *testing.T) {
	if got := RateLimitNotice(1); !strings.Contains(got, "1 second ") {
		t.Fatalf("RateLimitNotice(1) = %q", got)
	}
	if got := RateLimitNotice(12); !strings.Contains(got, "12 seconds") {
		t.Fatalf("RateLimitNotice(12) = %q", got)
	}
}
