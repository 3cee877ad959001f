package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is the durable state of one platform thread.
type Session struct {
	ID           string
	WorkspaceID  string
	ChannelID    string
	ThreadKey    string
	UserID       string
	BotID        string
	IsActive     bool
	LastActivity time.Time
	CreatedAt    time.Time
}

// Source is a citation attached to an assistant message.
type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	ChunkID string  `json:"chunk_id,omitempty"`
	Type    string  `json:"type,omitempty"`
	Score   float64 `json:"score"`
}

// Message is one turn in a session. Only FeedbackRating is mutable after insert.
type Message struct {
	ID             string
	SessionID      string
	Role           Role
	UserID         string
	Content        string
	Sources        []Source
	Confidence     *float64
	FeedbackRating *int
	CreatedAt      time.Time
}

// Feedback is a user's judgement on one assistant message, with a snapshot of
// what was shown at the time.
type Feedback struct {
	ID               string
	WorkspaceID      string
	SessionID        string
	MessageID        string
	UserID           string
	ChannelID        string
	PlatformTS       string
	IsHelpful        bool
	Origin           string
	QuerySnapshot    string
	ResponseSnapshot string
	SourceSummaries  []string
	CreatedAt        time.Time
}

type AnalyticsEvent struct {
	ID          string
	WorkspaceID string
	EventType   string
	UserID      string
	SessionID   string
	Metadata    map[string]any
	CreatedAt   time.Time
}
