package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cluebase/backend/internal/orchestrator"
	"github.com/cluebase/backend/internal/platform"
	slackadapter "github.com/cluebase/backend/internal/platform/slack"
	"github.com/cluebase/backend/internal/session"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/internal/storage/sqlite"
	"github.com/cluebase/backend/pkg/config"
)

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	healthy := NewHealthHandler(map[string]Check{
		"storage": func(context.Context) error { return nil },
	})
	broken := NewHealthHandler(map[string]Check{
		"storage": func(context.Context) error { return nil },
		"redis":   func(context.Context) error { return errors.New("connection refused") },
	})

	app := fiber.New()
	app.Get("/health", healthy.Health)
	app.Get("/ready", healthy.Ready)
	app.Get("/ready-broken", broken.Ready)

	tests := []struct {
		path   string
		status int
	}{
		{"/health", fiber.StatusOK},
		{"/ready", fiber.StatusOK},
		{"/ready-broken", fiber.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
		if err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if resp.StatusCode != tt.status {
			t.Fatalf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.status)
		}
	}

	resp, _ := app.Test(httptest.NewRequest("GET", "/ready-broken", nil))
	body := decode(t, resp)
	checks := body["checks"].(map[string]any)
	if checks["redis"] != "connection refused" || checks["storage"] != "ok" {
		t.Fatalf("checks = %v", checks)
	}
}

type fakeDispatcher struct {
	messages  chan platform.MessageEvent
	reactions chan platform.ReactionEvent
	actions   chan platform.ActionEvent
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		messages:  make(chan platform.MessageEvent, 4),
		reactions: make(chan platform.ReactionEvent, 4),
		actions:   make(chan platform.ActionEvent, 4),
	}
}

func (d *fakeDispatcher) HandleMessage(_ context.Context, ev platform.MessageEvent) orchestrator.State {
	d.messages <- ev
	return orchestrator.StatePersisted
}

func (d *fakeDispatcher) HandleReaction(_ context.Context, ev platform.ReactionEvent) bool {
	d.reactions <- ev
	return true
}

func (d *fakeDispatcher) HandleAction(_ context.Context, ev platform.ActionEvent) bool {
	d.actions <- ev
	return true
}

const testSigningSecret = "shh"

// signedRequest builds a request carrying a valid Slack v0 signature.
func signedRequest(target, contentType, body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackEvents(t *testing.T) {
	d := newFakeDispatcher()
	h := NewSlackHandler(slackadapter.New(config.SlackConfig{SigningSecret: testSigningSecret}), d)

	app := fiber.New()
	app.Post("/slack/events", h.HandleEvents)
	app.Post("/slack/interactions", h.HandleInteractions)

	// URL verification echoes the challenge.
	req := signedRequest("/slack/events", "application/json", `{"token":"x","challenge":"c-123","type":"url_verification"}`)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if body := decode(t, resp); body["challenge"] != "c-123" {
		t.Fatalf("body = %v", body)
	}

	// A message is acknowledged and dispatched in the background.
	event := `{"token":"x","team_id":"T1","type":"event_callback","event_id":"Ev1","event_time":1,
		"event":{"type":"message","channel":"C1","user":"U1","text":"What is the vacation policy?","ts":"100.1","channel_type":"channel"}}`
	req = signedRequest("/slack/events", "application/json", event)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case ev := <-d.messages:
		if ev.EventID != "Ev1" || ev.Text != "What is the vacation policy?" || ev.WorkspaceID != "T1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	// Interactions arrive form-encoded.
	payload := `{"type":"block_actions","trigger_id":"tr1","team":{"id":"T1"},"user":{"id":"U1"},"channel":{"id":"C1"},
		"container":{"message_ts":"100.9"},"actions":[{"action_id":"feedback_helpful","block_id":"feedback","value":"s1|m2"}]}`
	form := url.Values{"payload": {payload}}
	req = signedRequest("/slack/interactions", "application/x-www-form-urlencoded", form.Encode())
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case ev := <-d.actions:
		if ev.ActionID != platform.ActionHelpful || ev.Value != "s1|m2" {
			t.Fatalf("action = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action was not dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSlackEventsRejectsBadSignature(t *testing.T) {
	h := NewSlackHandler(slackadapter.New(config.SlackConfig{SigningSecret: testSigningSecret}), newFakeDispatcher())
	app := fiber.New()
	app.Post("/slack/events", h.HandleEvents)

	req := httptest.NewRequest("POST", "/slack/events", strings.NewReader(`{"type":"url_verification","challenge":"x"}`))
	req.Header.Set("X-Slack-Request-Timestamp", "1")
	req.Header.Set("X-Slack-Signature", "v0=00")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestConversationHandler(t *testing.T) {
	backend, err := sqlite.NewClient(filepath.Join(t.TempDir(), "read.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	if err := backend.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	store := session.NewStore(backend)
	sessionID, err := store.ResolveOrCreateSession(ctx, "C1", "100.1", "U1", "ws-1", "B1")
	if err != nil {
		t.Fatalf("ResolveOrCreateSession: %v", err)
	}
	if _, err := store.AppendMessage(ctx, session.AppendRequest{SessionID: sessionID, UserID: "U1", Role: models.RoleUser, Content: "What is the vacation policy?"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	confidence := 0.8
	answerID, err := store.AppendMessage(ctx, session.AppendRequest{
		SessionID: sessionID, UserID: "UBOT", Role: models.RoleAssistant, Content: "20 days [1].",
		Sources: []models.Source{{Title: "Vacation Policy", URL: "https://wiki/vacation"}}, Confidence: &confidence,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	err = backend.UpsertFeedback(ctx, &models.Feedback{
		ID: "f1", WorkspaceID: "ws-1", SessionID: sessionID, MessageID: answerID, UserID: "U1",
		IsHelpful: true, Origin: "button", ResponseSnapshot: "20 days [1].", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertFeedback: %v", err)
	}

	h := NewConversationHandler(store, backend)
	app := fiber.New()
	app.Get("/api/v1/sessions/:id/messages", h.GetSessionMessages)
	app.Get("/api/v1/workspaces/:workspaceId/feedback", h.ListFeedback)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/sessions/"+sessionID+"/messages", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode(t, resp)
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	answer := msgs[1].(map[string]any)
	if answer["role"] != "assistant" || answer["confidence"] != 0.8 {
		t.Fatalf("answer = %v", answer)
	}
	if _, ok := msgs[0].(map[string]any)["sources"]; ok {
		t.Fatal("user messages should not carry sources")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/sessions/missing/messages", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("missing session status = %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/workspaces/ws-1/feedback?limit=10", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body = decode(t, resp)
	rows := body["feedback"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["message_id"] != answerID {
		t.Fatalf("feedback = %v", rows)
	}
}

func TestForward(t *testing.T) {
	events := make(chan []byte, 3)
	events <- []byte("a")
	events <- []byte("b")
	close(events)

	var got []string
	err := forward(events, make(chan struct{}), func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil || strings.Join(got, ",") != "a,b" {
		t.Fatalf("forward = %v, %v", got, err)
	}

	failing := make(chan []byte, 1)
	failing <- []byte("x")
	err = forward(failing, make(chan struct{}), func([]byte) error { return io.ErrClosedPipe })
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected write error, got %v", err)
	}

	closed := make(chan struct{})
	close(closed)
	if err := forward(make(chan []byte), closed, func([]byte) error { return nil }); err != nil {
		t.Fatalf("forward after close = %v", err)
	}
}

func TestWebSocketUpgrade(t *testing.T) {
	h := NewWebSocketHandler(nil)
	app := fiber.New()
	app.Use("/ws", h.Upgrade)
	app.Get("/ws", func(c *fiber.Ctx) error {
		id, _ := c.Locals("workspace_id").(string)
		return c.SendString(id)
	})

	tests := []struct {
		name    string
		target  string
		upgrade bool
		status  int
		body    string
	}{
		{"plain http", "/ws?workspace_id=ws-1", false, fiber.StatusUpgradeRequired, ""},
		{"invalid workspace", "/ws?workspace_id=bad%20id!", true, fiber.StatusBadRequest, ""},
		{"valid workspace", "/ws?workspace_id=ws-1", true, fiber.StatusOK, "ws-1"},
		{"no workspace", "/ws", true, fiber.StatusOK, ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.target, nil)
		if tt.upgrade {
			req.Header.Set("Connection", "Upgrade")
			req.Header.Set("Upgrade", "websocket")
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: app.Test: %v", tt.name, err)
		}
		if resp.StatusCode != tt.status {
			t.Fatalf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.status)
		}
		if tt.status == fiber.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.body {
				t.Fatalf("%s: workspace = %q, want %q", tt.name, body, tt.body)
			}
		}
	}
}
