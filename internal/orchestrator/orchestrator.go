// Package orchestrator runs one inbound chat message through classification,
// admission, session resolution, generation, persistence and reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/feedback"
	"github.com/cluebase/backend/internal/generator"
	"github.com/cluebase/backend/internal/intent"
	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/internal/platform"
	"github.com/cluebase/backend/internal/ratelimit"
	"github.com/cluebase/backend/internal/session"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/utils"
)

const DefaultLowConfidenceThreshold = 0.5

// State is the terminal state a message reached.
type State string

const (
	StateIgnored     State = "ignored"
	StateDuplicate   State = "duplicate"
	StateRejected    State = "rejected"
	StateRateLimited State = "rate_limited"
	StatePersisted   State = "persisted"
	StateFailed      State = "failed"
)

// Runtime is the identity one bot instance runs under. Each adapter owns one;
// several can share an Orchestrator's collaborators.
type Runtime struct {
	BotID       string
	BotUserID   string
	WorkspaceID string
	Sender      platform.Sender
	Options     generator.BotOptions
}

type SessionStore interface {
	ResolveOrCreateSession(ctx context.Context, channelID, threadKey, userID, workspaceID, botID string) (string, error)
	AppendMessage(ctx context.Context, req session.AppendRequest) (string, error)
	GetContext(ctx context.Context, workspaceID, threadKey string) (*session.Context, error)
	HasPriorAssistantTurn(ctx context.Context, workspaceID, threadKey string) (bool, error)
}

type Classifier interface {
	Classify(in intent.Input) intent.Result
}

type Limiter interface {
	Check(key string) ratelimit.Decision
}

type Generator interface {
	Generate(ctx context.Context, question string, opts generator.BotOptions) generator.Result
	GenerateFollowUp(ctx context.Context, question, sessionID string, opts generator.BotOptions, prior []models.Message) generator.Result
	HandleCorrection(ctx context.Context, c generator.Correction, opts generator.BotOptions) generator.Result
}

type FeedbackRecorder interface {
	Record(sessionID, messageID string, rating int, workspaceID, userID string) bool
	RecordDetailed(req feedback.Request) bool
}

type Emitter interface {
	Emit(workspaceID, eventType, userID, sessionID string, metadata map[string]any)
}

// Deps are the collaborators shared by every runtime.
type Deps struct {
	Sessions   SessionStore
	Classifier Classifier
	Limiter    Limiter
	Generator  Generator
	Feedback   FeedbackRecorder
	Tracker    *feedback.Tracker
	Analytics  Emitter
	Deduper    *platform.Deduper
}

type Orchestrator struct {
	rt            Runtime
	deps          Deps
	lowConfidence float64
}

type Option func(*Orchestrator)

func WithLowConfidenceThreshold(v float64) Option {
	return func(o *Orchestrator) {
		if v > 0 {
			o.lowConfidence = v
		}
	}
}

func New(rt Runtime, deps Deps, opts ...Option) *Orchestrator {
	if deps.Tracker == nil {
		deps.Tracker = feedback.NewTracker(0)
	}
	if deps.Analytics == nil {
		deps.Analytics = nopEmitter{}
	}
	o := &Orchestrator{
		rt:            rt,
		deps:          deps,
		lowConfidence: DefaultLowConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Runtime returns the bot identity this orchestrator answers as.
func (o *Orchestrator) Runtime() Runtime {
	return o.rt
}

// turn carries per-message state through the pipeline.
type turn struct {
	ev          platform.MessageEvent
	workspaceID string
	step        string
	sessionID   string
	started     time.Time
}

// HandleMessage drives one inbound message to a terminal state. Errors are
// handled here: the user gets exactly one reply on failure and the caller
// only learns the final state.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev platform.MessageEvent) State {
	if ev.UserID == "" || (o.rt.BotUserID != "" && ev.UserID == o.rt.BotUserID) {
		return StateIgnored
	}
	if o.deps.Deduper != nil && !o.deps.Deduper.ShouldHandle(ctx, ev.EventID) {
		return StateDuplicate
	}

	t := &turn{ev: ev, workspaceID: o.workspaceFor(ev.WorkspaceID), started: time.Now()}

	o.deps.Analytics.Emit(t.workspaceID, "message_received", ev.UserID, "", map[string]any{
		"channel_id":   ev.ChannelID,
		"thread_reply": ev.IsThreadReply,
	})
	if ev.Mentioned {
		o.deps.Analytics.Emit(t.workspaceID, "mention_received", ev.UserID, "", map[string]any{
			"channel_id": ev.ChannelID,
		})
	}

	// received -> classified
	hasPriorBotReply := false
	if ev.IsThreadReply {
		prior, err := o.deps.Sessions.HasPriorAssistantTurn(ctx, t.workspaceID, ev.ThreadKey)
		if err != nil {
			logger.Warn("Failed to check prior bot reply, treating thread as new",
				zap.String("workspace_id", t.workspaceID),
				zap.String("thread_key", ev.ThreadKey),
				zap.Error(err),
			)
		}
		hasPriorBotReply = prior
	}

	cls := o.deps.Classifier.Classify(intent.Input{
		Text:             ev.Text,
		IsThreadReply:    ev.IsThreadReply,
		HasPriorBotReply: hasPriorBotReply,
		Mentioned:        ev.Mentioned,
	})
	metrics.IntentTotal.WithLabelValues(string(cls.Intent), strconv.FormatBool(cls.ShouldRespond)).Inc()

	if !cls.ShouldRespond {
		logger.Debug("Message not answered",
			zap.String("workspace_id", t.workspaceID),
			zap.String("intent", string(cls.Intent)),
			zap.Float64("confidence", cls.Confidence),
		)
		metrics.TurnsTotal.WithLabelValues(string(StateRejected)).Inc()
		return StateRejected
	}

	// classified -> admitted
	decision := o.deps.Limiter.Check(t.workspaceID + ":" + ev.UserID)
	if !decision.Allowed {
		return o.deny(ctx, t, decision)
	}

	// admitted -> session-resolved
	t.step = "resolve_session"
	sessionID, err := o.deps.Sessions.ResolveOrCreateSession(ctx, ev.ChannelID, ev.ThreadKey, ev.UserID, t.workspaceID, o.rt.BotID)
	if err != nil {
		return o.fail(ctx, t, err, false)
	}
	t.sessionID = sessionID

	t.step = "load_context"
	convo, err := o.deps.Sessions.GetContext(ctx, t.workspaceID, ev.ThreadKey)
	if err != nil {
		return o.fail(ctx, t, err, false)
	}

	t.step = "append_question"
	_, err = o.deps.Sessions.AppendMessage(ctx, session.AppendRequest{
		SessionID: sessionID,
		UserID:    ev.UserID,
		Role:      models.RoleUser,
		Content:   ev.Text,
	})
	if err != nil {
		return o.fail(ctx, t, err, false)
	}

	// session-resolved -> generating
	t.step = "generate"
	res := o.dispatch(ctx, t, cls, convo, hasPriorBotReply)
	metrics.GenerationDuration.WithLabelValues(string(res.Branch), res.Outcome.String()).Observe(res.Duration.Seconds())
	if res.Outcome != generator.OutcomeOK {
		return o.fail(ctx, t, res.Err, res.Outcome == generator.OutcomeTimedOut)
	}
	if tokens := res.Response.Usage.TotalTokens; tokens > 0 {
		metrics.LLMTokensUsed.WithLabelValues(string(res.Branch)).Add(float64(tokens))
	}

	// generating -> responded
	t.step = "append_answer"
	resp := res.Response
	confidence := resp.Confidence
	messageID, err := o.deps.Sessions.AppendMessage(ctx, session.AppendRequest{
		SessionID:  sessionID,
		UserID:     o.botAuthor(),
		Role:       models.RoleAssistant,
		Content:    resp.Content,
		Sources:    resp.Sources,
		Confidence: &confidence,
	})
	if err != nil {
		return o.fail(ctx, t, err, false)
	}

	t.step = "send_answer"
	out := o.renderAnswer(ev, sessionID, messageID, resp)
	ts, err := o.rt.Sender.Send(ctx, out)
	if err != nil {
		// The answer is stored; a second send attempt would likely fail the
		// same way, so only log.
		o.logFailure(t, err)
		o.deps.Analytics.Emit(t.workspaceID, "response_failed", ev.UserID, sessionID, map[string]any{
			"step":  t.step,
			"error": err.Error(),
		})
		metrics.TurnsTotal.WithLabelValues(string(StateFailed)).Inc()
		return StateFailed
	}
	o.deps.Tracker.Track(ev.ChannelID, ts, feedback.Turn{SessionID: sessionID, MessageID: messageID})

	// responded -> persisted
	metrics.ConfidenceScore.Observe(confidence)
	metrics.TurnsTotal.WithLabelValues(string(StatePersisted)).Inc()
	o.deps.Analytics.Emit(t.workspaceID, "response_sent", ev.UserID, sessionID, map[string]any{
		"message_id":   messageID,
		"intent":       string(cls.Intent),
		"branch":       string(res.Branch),
		"confidence":   confidence,
		"source_count": len(resp.Sources),
		"latency_ms":   time.Since(t.started).Milliseconds(),
	})

	logger.Info("Turn answered",
		zap.String("workspace_id", t.workspaceID),
		zap.String("session_id", sessionID),
		zap.String("branch", string(res.Branch)),
		zap.Float64("confidence", confidence),
		zap.Duration("generation", res.Duration),
	)
	return StatePersisted
}

// dispatch picks the generation branch for an admitted message.
func (o *Orchestrator) dispatch(ctx context.Context, t *turn, cls intent.Result, convo *session.Context, hasPriorBotReply bool) generator.Result {
	opts := o.botOptions(t.workspaceID)

	if cls.Intent == intent.Correction {
		if convo != nil {
			if q, a, ok := convo.LastExchange(); ok {
				return o.deps.Generator.HandleCorrection(ctx, generator.Correction{
					OriginalQuestion: q.Content,
					OriginalAnswer:   a.Content,
					CorrectionText:   t.ev.Text,
					UserID:           t.ev.UserID,
					WorkspaceID:      t.workspaceID,
				}, opts)
			}
		}
		// Nothing to correct: answer it as a fresh question.
		return o.deps.Generator.Generate(ctx, t.ev.Text, opts)
	}

	if t.ev.IsThreadReply && hasPriorBotReply && convo != nil && len(convo.Messages) > 0 {
		return o.deps.Generator.GenerateFollowUp(ctx, t.ev.Text, t.sessionID, opts, convo.Messages)
	}

	return o.deps.Generator.Generate(ctx, t.ev.Text, opts)
}

func (o *Orchestrator) deny(ctx context.Context, t *turn, d ratelimit.Decision) State {
	metrics.RateLimitDenials.Inc()
	metrics.TurnsTotal.WithLabelValues(string(StateRateLimited)).Inc()

	wait := d.ResetInSeconds()
	logger.Info("Rate limit exceeded",
		zap.String("workspace_id", t.workspaceID),
		zap.String("user_id", t.ev.UserID),
		zap.Int("retry_after_sec", wait),
	)
	o.deps.Analytics.Emit(t.workspaceID, "rate_limited", t.ev.UserID, "", map[string]any{
		"retry_after_sec": wait,
	})

	_, err := o.rt.Sender.Send(ctx, platform.OutboundMessage{
		ChannelID: t.ev.ChannelID,
		ThreadKey: t.ev.ThreadKey,
		Text:      RateLimitNotice(wait),
	})
	if err != nil {
		logger.Warn("Failed to send rate limit notice", zap.String("user_id", t.ev.UserID), zap.Error(err))
	}
	return StateRateLimited
}

// fail sends the single apology for a turn that could not be completed.
func (o *Orchestrator) fail(ctx context.Context, t *turn, err error, timedOut bool) State {
	if err == nil {
		err = errors.New("unknown failure")
	}
	o.logFailure(t, err)
	metrics.TurnsTotal.WithLabelValues(string(StateFailed)).Inc()

	o.deps.Analytics.Emit(t.workspaceID, "response_failed", t.ev.UserID, t.sessionID, map[string]any{
		"step":      t.step,
		"timed_out": timedOut,
	})

	text := GenericApology
	if timedOut {
		text = TimeoutApology
	}
	_, sendErr := o.rt.Sender.Send(ctx, platform.OutboundMessage{
		ChannelID: t.ev.ChannelID,
		ThreadKey: t.ev.ThreadKey,
		Text:      text,
	})
	if sendErr != nil {
		logger.Error("Failed to send apology",
			zap.String("user_id", t.ev.UserID),
			zap.String("channel_id", t.ev.ChannelID),
			zap.Error(sendErr),
		)
	}
	return StateFailed
}

func (o *Orchestrator) logFailure(t *turn, err error) {
	logger.Error("Turn failed",
		zap.String("workspace_id", t.workspaceID),
		zap.String("user_id", t.ev.UserID),
		zap.String("session_id", t.sessionID),
		zap.String("step", t.step),
		zap.String("text", utils.Truncate(t.ev.Text, 100)),
		zap.Error(err),
	)
}

// HandleReaction records reaction feedback on an answer this process posted.
// Reactions are not rate limited.
func (o *Orchestrator) HandleReaction(ctx context.Context, ev platform.ReactionEvent) bool {
	if o.deps.Deduper != nil && !o.deps.Deduper.ShouldHandle(ctx, ev.EventID) {
		return false
	}
	rating, ok := feedback.RatingForReaction(ev.Reaction)
	if !ok {
		return false
	}
	t, ok := o.deps.Tracker.Lookup(ev.ChannelID, ev.MessageTS)
	if !ok {
		logger.Debug("Reaction on untracked message", zap.String("channel_id", ev.ChannelID), zap.String("ts", ev.MessageTS))
		return false
	}
	return o.deps.Feedback.Record(t.SessionID, t.MessageID, rating, o.workspaceFor(ev.WorkspaceID), ev.UserID)
}

// HandleAction records button feedback. It reports whether the action was a
// feedback action that was accepted.
func (o *Orchestrator) HandleAction(ctx context.Context, ev platform.ActionEvent) bool {
	var helpful bool
	switch ev.ActionID {
	case platform.ActionHelpful:
		helpful = true
	case platform.ActionNotHelpful:
		helpful = false
	default:
		return false
	}
	if o.deps.Deduper != nil && !o.deps.Deduper.ShouldHandle(ctx, ev.EventID) {
		return false
	}

	ref, ok := platform.ParseFeedbackValue(ev.Value)
	if !ok {
		logger.Warn("Malformed feedback action value", zap.String("value", ev.Value))
		return false
	}

	return o.deps.Feedback.RecordDetailed(feedback.Request{
		WorkspaceID: o.workspaceFor(ev.WorkspaceID),
		SessionID:   ref.SessionID,
		MessageID:   ref.MessageID,
		UserID:      ev.UserID,
		ChannelID:   ev.ChannelID,
		PlatformTS:  ev.MessageTS,
		Helpful:     helpful,
		Origin:      feedback.OriginButton,
	})
}

func (o *Orchestrator) workspaceFor(ws string) string {
	if ws != "" {
		return ws
	}
	return o.rt.WorkspaceID
}

func (o *Orchestrator) botOptions(workspaceID string) generator.BotOptions {
	opts := o.rt.Options
	opts.WorkspaceID = workspaceID
	if opts.BotID == "" {
		opts.BotID = o.rt.BotID
	}
	return opts
}

func (o *Orchestrator) botAuthor() string {
	if o.rt.BotUserID != "" {
		return o.rt.BotUserID
	}
	return o.rt.BotID
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, string, string, map[string]any) {}

// RateLimitNotice tells the user how long to wait, in whole seconds.
func RateLimitNotice(seconds int) string {
	unit := "seconds"
	if seconds == 1 {
		unit = "second"
	}
	return fmt.Sprintf("You're sending questions a little too quickly. Please wait %d %s and try again.", seconds, unit)
}
