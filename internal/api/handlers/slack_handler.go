package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/orchestrator"
	"github.com/cluebase/backend/internal/platform"
	slackadapter "github.com/cluebase/backend/internal/platform/slack"
	"github.com/cluebase/backend/pkg/logger"
)

const turnTimeout = 2 * time.Minute

// Dispatcher handles converted platform events.
type Dispatcher interface {
	HandleMessage(ctx context.Context, ev platform.MessageEvent) orchestrator.State
	HandleReaction(ctx context.Context, ev platform.ReactionEvent) bool
	HandleAction(ctx context.Context, ev platform.ActionEvent) bool
}

// SlackHandler acknowledges Slack deliveries immediately and processes them
// in the background, since Slack retries anything not acknowledged in 3s.
type SlackHandler struct {
	adapter    *slackadapter.Adapter
	dispatcher Dispatcher
	wg         sync.WaitGroup
}

func NewSlackHandler(adapter *slackadapter.Adapter, dispatcher Dispatcher) *SlackHandler {
	return &SlackHandler{adapter: adapter, dispatcher: dispatcher}
}

func (h *SlackHandler) HandleEvents(c *fiber.Ctx) error {
	body := c.Body()
	if err := h.adapter.VerifyRequest(requestHeader(c), body); err != nil {
		logger.Warn("Rejected slack event", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	in, err := h.adapter.ParseEvent(body)
	if err != nil {
		logger.Error("Failed to parse slack event", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid event payload",
		})
	}

	switch {
	case in.Challenge != "":
		return c.JSON(fiber.Map{"challenge": in.Challenge})
	case in.Message != nil:
		ev := *in.Message
		h.background(func(ctx context.Context) { h.dispatcher.HandleMessage(ctx, ev) })
	case in.Reaction != nil:
		ev := *in.Reaction
		h.background(func(ctx context.Context) { h.dispatcher.HandleReaction(ctx, ev) })
	}

	return c.SendStatus(fiber.StatusOK)
}

func (h *SlackHandler) HandleInteractions(c *fiber.Ctx) error {
	if err := h.adapter.VerifyRequest(requestHeader(c), c.Body()); err != nil {
		logger.Warn("Rejected slack interaction", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	payload := c.FormValue("payload")
	if payload == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "payload is required",
		})
	}

	events, err := h.adapter.ParseInteraction(payload)
	if err != nil {
		logger.Error("Failed to parse slack interaction", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid interaction payload",
		})
	}

	for _, ev := range events {
		ev := ev
		h.background(func(ctx context.Context) { h.dispatcher.HandleAction(ctx, ev) })
	}

	return c.SendStatus(fiber.StatusOK)
}

func (h *SlackHandler) background(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until in-flight events are handled or ctx ends.
func (h *SlackHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for in-flight slack events")
	}
}

func requestHeader(c *fiber.Ctx) http.Header {
	header := http.Header{}
	for k, values := range c.GetReqHeaders() {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	return header
}
