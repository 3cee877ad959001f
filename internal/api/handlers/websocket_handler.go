package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/analytics"
	"github.com/cluebase/backend/internal/middleware/validation"
	"github.com/cluebase/backend/pkg/logger"
)

// WebSocketHandler streams live analytics events to dashboard clients.
type WebSocketHandler struct {
	hub *analytics.Hub
}

func NewWebSocketHandler(hub *analytics.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
	}
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		workspaceID := c.Query("workspace_id")
		if workspaceID != "" && !validation.ValidIdentifier(workspaceID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid workspace_id",
			})
		}
		// Query values alias the request buffer, which fasthttp reuses.
		c.Locals("workspace_id", utils.CopyString(workspaceID))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	workspaceID, _ := c.Locals("workspace_id").(string)
	events, unsubscribe := h.hub.Subscribe(workspaceID, 64)

	logger.Info("WebSocket connection established", zap.String("workspace_id", workspaceID))

	defer func() {
		unsubscribe()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("workspace_id", workspaceID))
	}()

	// The feed is one-way; reading only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := forward(events, closed, func(b []byte) error {
		return c.WriteMessage(websocket.TextMessage, b)
	}); err != nil {
		logger.Debug("WebSocket write failed", zap.Error(err))
	}
}

// forward writes events until the subscription ends, the client disconnects
// or a write fails.
func forward(events <-chan []byte, closed <-chan struct{}, write func([]byte) error) error {
	for {
		select {
		case <-closed:
			return nil
		case b, ok := <-events:
			if !ok {
				return nil
			}
			if err := write(b); err != nil {
				return err
			}
		}
	}
}
