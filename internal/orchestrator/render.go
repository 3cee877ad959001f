package orchestrator

import (
	"github.com/cluebase/backend/internal/generator"
	"github.com/cluebase/backend/internal/platform"
)

const (
	TimeoutApology       = "Sorry, that took too long to answer. Please try again or simplify your question."
	GenericApology       = "Sorry, something went wrong while answering your question. Please try again in a moment."
	LowConfidenceWarning = "I'm not fully confident in this answer. Please double-check it against the sources below."
)

func (o *Orchestrator) renderAnswer(ev platform.MessageEvent, sessionID, messageID string, resp generator.Response) platform.OutboundMessage {
	out := platform.OutboundMessage{
		ChannelID: ev.ChannelID,
		ThreadKey: ev.ThreadKey,
		Text:      resp.Content,
		Feedback:  &platform.FeedbackControls{SessionID: sessionID, MessageID: messageID},
	}

	for _, s := range resp.Sources {
		out.Citations = append(out.Citations, platform.Citation{Title: s.Title, URL: s.URL})
	}
	if resp.Confidence < o.lowConfidence {
		out.Warning = LowConfidenceWarning
	}
	return out
}
