package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/storage"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ConversationReader interface {
	Session(ctx context.Context, id string) (*models.Session, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

type FeedbackReader interface {
	ListFeedback(ctx context.Context, workspaceID string, limit int) ([]models.Feedback, error)
}

// ConversationHandler serves read-only session, message and feedback data to
// the dashboard.
type ConversationHandler struct {
	conversations ConversationReader
	feedback      FeedbackReader
}

func NewConversationHandler(conversations ConversationReader, feedback FeedbackReader) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		feedback:      feedback,
	}
}

func (h *ConversationHandler) GetSessionMessages(c *fiber.Ctx) error {
	sessionID := c.Params("id")

	sess, err := h.conversations.Session(c.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		logger.Error("Failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	msgs, err := h.conversations.Messages(c.Context(), sessionID, pageSize(c))
	if err != nil {
		logger.Error("Failed to load messages", zap.String("session_id", sessionID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load messages",
		})
	}

	out := make([]fiber.Map, 0, len(msgs))
	for _, m := range msgs {
		item := fiber.Map{
			"id":         m.ID,
			"role":       m.Role,
			"user_id":    m.UserID,
			"content":    m.Content,
			"created_at": m.CreatedAt,
		}
		if m.Role == models.RoleAssistant {
			item["sources"] = m.Sources
			item["confidence"] = m.Confidence
			item["feedback_rating"] = m.FeedbackRating
		}
		out = append(out, item)
	}

	return c.JSON(fiber.Map{
		"session": fiber.Map{
			"id":            sess.ID,
			"workspace_id":  sess.WorkspaceID,
			"channel_id":    sess.ChannelID,
			"thread_key":    sess.ThreadKey,
			"user_id":       sess.UserID,
			"bot_id":        sess.BotID,
			"is_active":     sess.IsActive,
			"last_activity": sess.LastActivity,
			"created_at":    sess.CreatedAt,
		},
		"messages": out,
	})
}

func (h *ConversationHandler) ListFeedback(c *fiber.Ctx) error {
	workspaceID := c.Params("workspaceId")

	rows, err := h.feedback.ListFeedback(c.Context(), workspaceID, pageSize(c))
	if err != nil {
		logger.Error("Failed to list feedback", zap.String("workspace_id", workspaceID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list feedback",
		})
	}

	out := make([]fiber.Map, 0, len(rows))
	for _, f := range rows {
		out = append(out, fiber.Map{
			"id":                f.ID,
			"session_id":        f.SessionID,
			"message_id":        f.MessageID,
			"user_id":           f.UserID,
			"channel_id":        f.ChannelID,
			"is_helpful":        f.IsHelpful,
			"origin":            f.Origin,
			"query_snapshot":    f.QuerySnapshot,
			"response_snapshot": f.ResponseSnapshot,
			"source_summaries":  f.SourceSummaries,
			"created_at":        f.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"workspace_id": workspaceID,
		"feedback":     out,
	})
}

func pageSize(c *fiber.Ctx) int {
	n := c.QueryInt("limit", defaultPageSize)
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
