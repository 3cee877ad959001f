package platform

import (
	"fmt"
	"strings"
)

const feedbackValueSep = "|"

// FeedbackValue packs the turn reference carried by a feedback button.
func FeedbackValue(c FeedbackControls) string {
	return c.SessionID + feedbackValueSep + c.MessageID
}

// ParseFeedbackValue is the inverse of FeedbackValue. The session id may be
// empty when the transport cannot carry it; the message id may not.
func ParseFeedbackValue(v string) (FeedbackControls, bool) {
	sessionID, messageID, ok := strings.Cut(v, feedbackValueSep)
	if !ok || messageID == "" {
		return FeedbackControls{}, false
	}
	return FeedbackControls{SessionID: sessionID, MessageID: messageID}, true
}

// CitationFooter renders citations as a numbered plain-text list.
func CitationFooter(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Sources:")
	for i, c := range citations {
		if c.URL != "" {
			fmt.Fprintf(&b, "\n%d. %s - %s", i+1, c.Title, c.URL)
		} else {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c.Title)
		}
	}
	return b.String()
}

// PlainText flattens a message for transports without rich layout.
func (m OutboundMessage) PlainText() string {
	parts := []string{m.Text}
	if m.Warning != "" {
		parts = append(parts, m.Warning)
	}
	if footer := CitationFooter(m.Citations); footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n\n")
}
