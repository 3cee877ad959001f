package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/llm"
	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/utils"
)

const (
	DefaultTimeout = 30 * time.Second
	// CorrectionConfidence is reported for every correction answer: the user
	// supplied the fact, the model only rephrased it.
	CorrectionConfidence = 0.95
)

// ErrTimeout is carried by results whose generation exceeded its budget.
var ErrTimeout = errors.New("generation timed out")

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimedOut
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

type Branch string

const (
	BranchNew        Branch = "new_question"
	BranchFollowUp   Branch = "follow_up"
	BranchCorrection Branch = "correction"
)

type Response struct {
	Content    string
	Sources    []models.Source
	Confidence float64
	Usage      llm.Usage
}

// Result is the tagged outcome of one generation call. Response is set only
// for OutcomeOK; Err is set otherwise.
type Result struct {
	Outcome  Outcome
	Branch   Branch
	Response Response
	Err      error
	Duration time.Duration
}

// BotOptions carry the identity and behaviour of the answering bot.
type BotOptions struct {
	WorkspaceID  string
	BotID        string
	Name         string
	SystemPrompt string
	Temperature  float32
}

type Correction struct {
	OriginalQuestion string
	OriginalAnswer   string
	CorrectionText   string
	UserID           string
	WorkspaceID      string
}

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Generator struct {
	searcher retrieval.Searcher
	llm      Completer
	timeout  time.Duration
	topK     int
}

func New(searcher retrieval.Searcher, completer Completer, timeout time.Duration, topK int) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if topK <= 0 {
		topK = 5
	}
	return &Generator{
		searcher: searcher,
		llm:      completer,
		timeout:  timeout,
		topK:     topK,
	}
}

// Generate answers a fresh question with no conversational context.
func (g *Generator) Generate(ctx context.Context, question string, opts BotOptions) Result {
	return g.run(ctx, BranchNew, func(ctx context.Context) (Response, error) {
		return g.answer(ctx, question, question, nil, opts)
	})
}

// GenerateFollowUp answers a question in light of the session's recent messages.
func (g *Generator) GenerateFollowUp(ctx context.Context, question, sessionID string, opts BotOptions, prior []models.Message) Result {
	history := historyFor(prior, question)
	query := followUpQuery(question, history)

	logger.Debug("Generating follow-up",
		zap.String("session_id", sessionID),
		zap.Int("history", len(history)),
	)

	return g.run(ctx, BranchFollowUp, func(ctx context.Context) (Response, error) {
		return g.answer(ctx, question, query, history, opts)
	})
}

// HandleCorrection revises a previous answer using the user's correction. No
// retrieval is performed and the result carries no sources.
func (g *Generator) HandleCorrection(ctx context.Context, c Correction, opts BotOptions) Result {
	return g.run(ctx, BranchCorrection, func(ctx context.Context) (Response, error) {
		resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: correctionSystemPrompt(opts),
			UserPrompt:   correctionPrompt(c),
			Temperature:  0.2,
		})
		if err != nil {
			return Response{}, fmt.Errorf("failed to revise answer: %w", err)
		}

		logger.Info("Correction handled",
			zap.String("workspace_id", c.WorkspaceID),
			zap.String("user_id", c.UserID),
			zap.String("correction", utils.Truncate(c.CorrectionText, 100)),
		)

		return Response{
			Content:    strings.TrimSpace(resp.Content),
			Sources:    []models.Source{},
			Confidence: CorrectionConfidence,
			Usage:      resp.Usage,
		}, nil
	})
}

func (g *Generator) answer(ctx context.Context, question, query string, history []llm.Message, opts BotOptions) (Response, error) {
	chunks, err := g.searcher.Search(ctx, query, opts.WorkspaceID, retrieval.Filter{BotID: opts.BotID, TopK: g.topK})
	if err != nil {
		return Response{}, fmt.Errorf("failed to retrieve sources: %w", err)
	}

	chunks = cleanChunks(chunks)

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(opts),
		History:      history,
		UserPrompt:   userPrompt(question, chunks),
		Temperature:  opts.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to generate answer: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return Response{}, errors.New("model returned an empty answer")
	}

	return Response{
		Content:    content,
		Sources:    buildSources(chunks, content),
		Confidence: calculateConfidence(chunks, content, resp.FinishReason),
		Usage:      resp.Usage,
	}, nil
}

type outcome struct {
	resp Response
	err  error
}

// run bounds fn by the generation timeout. When the budget expires the caller
// stops waiting even if fn ignores cancellation.
func (g *Generator) run(ctx context.Context, branch Branch, fn func(context.Context) (Response, error)) Result {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		resp, err := fn(tctx)
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out = outcome{err: tctx.Err()}
	}

	res := Result{Branch: branch, Duration: time.Since(start)}
	switch {
	case out.err == nil:
		res.Outcome = OutcomeOK
		res.Response = out.resp
	case errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Outcome = OutcomeTimedOut
		res.Err = fmt.Errorf("%w after %s: %v", ErrTimeout, g.timeout, out.err)
	default:
		res.Outcome = OutcomeFailed
		res.Err = out.err
	}
	return res
}

func historyFor(prior []models.Message, question string) []llm.Message {
	msgs := prior
	if n := len(msgs); n > 0 && msgs[n-1].Role == models.RoleUser && strings.TrimSpace(msgs[n-1].Content) == strings.TrimSpace(question) {
		msgs = msgs[:n-1]
	}

	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return history
}

// followUpQuery widens short follow-ups ("and for contractors?") with the
// previous user question so retrieval has something to match on.
func followUpQuery(question string, history []llm.Message) string {
	if len(strings.Fields(question)) >= 8 {
		return question
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == string(models.RoleUser) {
			return history[i].Content + " " + question
		}
	}
	return question
}
