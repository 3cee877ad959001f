// Package platform defines the narrow event and message types chat adapters
// translate to and from. Nothing past the adapter sees a raw platform payload.
package platform

import (
	"context"
	"time"
)

// MessageEvent is an inbound chat message.
type MessageEvent struct {
	EventID     string
	WorkspaceID string
	ChannelID   string
	// ThreadKey identifies the platform thread. Top-level messages use their
	// own timestamp so a reply thread started under them shares the key.
	ThreadKey     string
	MessageTS     string
	UserID        string
	Text          string
	IsThreadReply bool
	Mentioned     bool
	ReceivedAt    time.Time
}

// ReactionEvent is an emoji reaction added to a message.
type ReactionEvent struct {
	EventID     string
	WorkspaceID string
	ChannelID   string
	MessageTS   string
	UserID      string
	Reaction    string
}

// ActionEvent is a click on an interactive control the bot rendered.
type ActionEvent struct {
	EventID     string
	WorkspaceID string
	ChannelID   string
	ThreadKey   string
	MessageTS   string
	UserID      string
	ActionID    string
	Value       string
}

const (
	ActionHelpful    = "feedback_helpful"
	ActionNotHelpful = "feedback_not_helpful"
)

type Citation struct {
	Title string
	URL   string
}

// FeedbackControls ties rendered feedback buttons to the turn they rate.
type FeedbackControls struct {
	SessionID string
	MessageID string
}

// OutboundMessage is what the orchestrator asks an adapter to post.
type OutboundMessage struct {
	ChannelID string
	ThreadKey string
	Text      string
	Citations []Citation
	Warning   string
	Feedback  *FeedbackControls
}

// Sender posts messages to a chat platform and returns the platform's id for
// the posted message.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}
