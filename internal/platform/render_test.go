package platform

import "testing"

func TestFeedbackValue(t *testing.T) {
	c := FeedbackControls{SessionID: "3f1c-aa", MessageID: "9b2e-bb"}
	got, ok := ParseFeedbackValue(FeedbackValue(c))
	if !ok || got != c {
		t.Fatalf("ParseFeedbackValue = %+v, %v", got, ok)
	}

	got, ok = ParseFeedbackValue("|m1")
	if !ok || got.SessionID != "" || got.MessageID != "m1" {
		t.Fatalf("ParseFeedbackValue without session = %+v, %v", got, ok)
	}

	for _, bad := range []string{"", "only-session", "s1|"} {
		if _, ok := ParseFeedbackValue(bad); ok {
			t.Errorf("ParseFeedbackValue(%q) should fail", bad)
		}
	}
}

func TestPlainText(t *testing.T) {
	msg := OutboundMessage{
		Text:    "You get 20 days.",
		Warning: "Please double-check.",
		Citations: []Citation{
			{Title: "Vacation Policy", URL: "https://wiki/vacation"},
			{Title: "HR FAQ"},
		},
	}

	want := "You get 20 days.\n\nPlease double-check.\n\nSources:\n1. Vacation Policy - https://wiki/vacation\n2. HR FAQ"
	if got := msg.PlainText(); got != want {
		t.Fatalf("PlainText = %q, want %q", got, want)
	}

	if got := (OutboundMessage{Text: "hi"}).PlainText(); got != "hi" {
		t.Fatalf("PlainText = %q", got)
	}
}
