// Package slack translates Slack Events API and interactivity payloads into
// platform events and renders outbound answers as Block Kit messages.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/platform"
	"github.com/cluebase/backend/pkg/config"
	"github.com/cluebase/backend/pkg/logger"
)

var ErrInvalidSignature = errors.New("invalid slack request signature")

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(\|[^>]*)?>`)

type Adapter struct {
	api           *slack.Client
	signingSecret string
	botUserID     string
	teamID        string
}

type Option func(*options)

type options struct {
	apiURL string
}

// WithAPIURL points the client at another Slack API base URL.
func WithAPIURL(url string) Option {
	return func(o *options) { o.apiURL = url }
}

func New(cfg config.SlackConfig, opts ...Option) *Adapter {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var clientOpts []slack.Option
	if o.apiURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(o.apiURL))
	}

	return &Adapter{
		api:           slack.New(cfg.BotToken, clientOpts...),
		signingSecret: cfg.SigningSecret,
	}
}

// Connect verifies the bot token and learns the bot's own user id.
func (a *Adapter) Connect(ctx context.Context) error {
	resp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with slack: %w", err)
	}
	a.botUserID = resp.UserID
	a.teamID = resp.TeamID

	logger.Info("Connected to Slack",
		zap.String("team", resp.Team),
		zap.String("team_id", resp.TeamID),
		zap.String("bot_user_id", resp.UserID),
	)
	return nil
}

func (a *Adapter) BotUserID() string { return a.botUserID }
func (a *Adapter) TeamID() string    { return a.teamID }

// VerifyRequest checks the X-Slack-Signature header against body. Without a
// signing secret every request is rejected.
func (a *Adapter) VerifyRequest(header http.Header, body []byte) error {
	if a.signingSecret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	sv, err := slack.NewSecretsVerifier(header, a.signingSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Inbound is one parsed Events API delivery. At most one field is set; all
// empty means the event is not relevant.
type Inbound struct {
	Challenge string
	Message   *platform.MessageEvent
	Reaction  *platform.ReactionEvent
}

func (a *Adapter) ParseEvent(body []byte) (Inbound, error) {
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return Inbound{}, fmt.Errorf("failed to parse slack event: %w", err)
	}

	switch ev.Type {
	case slackevents.URLVerification:
		v, ok := ev.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			return Inbound{}, errors.New("malformed url verification event")
		}
		return Inbound{Challenge: v.Challenge}, nil
	case slackevents.CallbackEvent:
	default:
		return Inbound{}, nil
	}

	var eventID string
	if cb, ok := ev.Data.(*slackevents.EventsAPICallbackEvent); ok {
		eventID = cb.EventID
	}
	received := time.Now()

	switch inner := ev.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if inner.BotID != "" {
			return Inbound{}, nil
		}
		return Inbound{Message: a.message(eventID, ev.TeamID, inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp, true, received)}, nil

	case *slackevents.MessageEvent:
		// Edits, joins and bot posts carry a subtype.
		if inner.BotID != "" || inner.SubType != "" || inner.User == "" {
			return Inbound{}, nil
		}
		// Mentions also arrive as app_mention; answer those once.
		if a.botUserID != "" && strings.Contains(inner.Text, "<@"+a.botUserID) {
			return Inbound{}, nil
		}
		mentioned := inner.ChannelType == "im"
		return Inbound{Message: a.message(eventID, ev.TeamID, inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp, mentioned, received)}, nil

	case *slackevents.ReactionAddedEvent:
		if inner.Item.Type != "" && inner.Item.Type != "message" {
			return Inbound{}, nil
		}
		return Inbound{Reaction: &platform.ReactionEvent{
			EventID:     eventID,
			WorkspaceID: ev.TeamID,
			ChannelID:   inner.Item.Channel,
			MessageTS:   inner.Item.Timestamp,
			UserID:      inner.User,
			Reaction:    inner.Reaction,
		}}, nil
	}

	return Inbound{}, nil
}

func (a *Adapter) message(eventID, teamID, channel, user, text, ts, threadTS string, mentioned bool, received time.Time) *platform.MessageEvent {
	threadKey := threadTS
	if threadKey == "" {
		threadKey = ts
	}
	return &platform.MessageEvent{
		EventID:       eventID,
		WorkspaceID:   teamID,
		ChannelID:     channel,
		ThreadKey:     threadKey,
		MessageTS:     ts,
		UserID:        user,
		Text:          StripMentions(text, a.botUserID),
		IsThreadReply: threadTS != "" && threadTS != ts,
		Mentioned:     mentioned,
		ReceivedAt:    received,
	}
}

// ParseInteraction converts a block_actions payload into action events.
func (a *Adapter) ParseInteraction(payload string) ([]platform.ActionEvent, error) {
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		return nil, fmt.Errorf("failed to parse interaction payload: %w", err)
	}
	if cb.Type != slack.InteractionTypeBlockActions {
		return nil, nil
	}

	messageTS := cb.Container.MessageTs
	if messageTS == "" {
		messageTS = cb.Message.Timestamp
	}
	threadKey := cb.Message.ThreadTimestamp
	if threadKey == "" {
		threadKey = messageTS
	}

	events := make([]platform.ActionEvent, 0, len(cb.ActionCallback.BlockActions))
	for _, action := range cb.ActionCallback.BlockActions {
		events = append(events, platform.ActionEvent{
			EventID:     cb.TriggerID + ":" + action.ActionID,
			WorkspaceID: cb.Team.ID,
			ChannelID:   cb.Channel.ID,
			ThreadKey:   threadKey,
			MessageTS:   messageTS,
			UserID:      cb.User.ID,
			ActionID:    action.ActionID,
			Value:       action.Value,
		})
	}
	return events, nil
}

// Send posts msg into its thread and returns the posted message's ts.
func (a *Adapter) Send(ctx context.Context, msg platform.OutboundMessage) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionBlocks(Blocks(msg)...),
	}
	if msg.ThreadKey != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadKey))
	}

	_, ts, err := a.api.PostMessageContext(ctx, msg.ChannelID, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to post message to slack channel %s: %w", msg.ChannelID, err)
	}
	return ts, nil
}

// Blocks renders the answer, warning, citation footer and feedback buttons.
func Blocks(msg platform.OutboundMessage) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, msg.Text, false, false), nil, nil),
	}

	if msg.Warning != "" {
		blocks = append(blocks, slack.NewContextBlock("warning",
			slack.NewTextBlockObject(slack.MarkdownType, ":warning: "+msg.Warning, false, false)))
	}

	if len(msg.Citations) > 0 {
		lines := make([]string, 0, len(msg.Citations))
		for i, c := range msg.Citations {
			if c.URL != "" {
				lines = append(lines, fmt.Sprintf("%d. <%s|%s>", i+1, c.URL, c.Title))
			} else {
				lines = append(lines, fmt.Sprintf("%d. %s", i+1, c.Title))
			}
		}
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewContextBlock("sources",
				slack.NewTextBlockObject(slack.MarkdownType, "*Sources*\n"+strings.Join(lines, "\n"), false, false)),
		)
	}

	if msg.Feedback != nil {
		value := platform.FeedbackValue(*msg.Feedback)
		helpful := slack.NewButtonBlockElement(platform.ActionHelpful, value,
			slack.NewTextBlockObject(slack.PlainTextType, ":thumbsup: Helpful", true, false))
		notHelpful := slack.NewButtonBlockElement(platform.ActionNotHelpful, value,
			slack.NewTextBlockObject(slack.PlainTextType, ":thumbsdown: Not helpful", true, false))
		blocks = append(blocks, slack.NewActionBlock("feedback", helpful, notHelpful))
	}

	return blocks
}

// StripMentions removes the bot's own mention tokens from text.
func StripMentions(text, botUserID string) string {
	out := mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := mentionPattern.FindStringSubmatch(m)
		if botUserID == "" || sub[1] == botUserID {
			return ""
		}
		return m
	})
	return strings.Join(strings.Fields(out), " ")
}
