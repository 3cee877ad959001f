// Package telegram runs a long-polling Telegram bot that feeds the
// orchestrator. A chat is one conversation thread.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/orchestrator"
	"github.com/cluebase/backend/internal/platform"
	"github.com/cluebase/backend/pkg/logger"
)

const helpText = `Ask me anything about this workspace's documentation and I'll answer with sources.
Reply to one of my answers to follow up, or tell me if I got something wrong.`

// Handler is what the adapter drives with converted updates.
type Handler interface {
	HandleMessage(ctx context.Context, ev platform.MessageEvent) orchestrator.State
	HandleAction(ctx context.Context, ev platform.ActionEvent) bool
}

type Adapter struct {
	api         *tgbotapi.BotAPI
	workspaceID string
	wg          sync.WaitGroup
}

func New(token, workspaceID string) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newAdapter(api, workspaceID), nil
}

// NewWithEndpoint talks to a Telegram-compatible API at endpoint, a format
// string like tgbotapi.APIEndpoint.
func NewWithEndpoint(token, endpoint, workspaceID string, client *http.Client) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newAdapter(api, workspaceID), nil
}

func newAdapter(api *tgbotapi.BotAPI, workspaceID string) *Adapter {
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return &Adapter{api: api, workspaceID: workspaceID}
}

func (a *Adapter) BotUserID() string {
	return strconv.FormatInt(a.api.Self.ID, 10)
}

// Run polls for updates until ctx is cancelled, then waits for in-flight
// handlers.
func (a *Adapter) Run(ctx context.Context, h Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.api.GetUpdatesChan(u)

	defer a.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer a.wg.Done()
				a.dispatch(ctx, h, update)
			}(update)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, h Handler, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		ev, ok := a.actionEvent(update.CallbackQuery)
		if !ok {
			return
		}
		ack := "Thanks, noted."
		if !h.HandleAction(ctx, ev) {
			ack = ""
		}
		if _, err := a.api.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ack)); err != nil {
			logger.Warn("Failed to answer callback query", zap.Error(err))
		}

	case update.Message != nil:
		if update.Message.IsCommand() {
			a.handleCommand(update.Message)
			return
		}
		ev, ok := a.messageEvent(update.UpdateID, update.Message)
		if !ok {
			return
		}
		h.HandleMessage(ctx, ev)
	}
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		if _, err := a.api.Send(tgbotapi.NewMessage(msg.Chat.ID, helpText)); err != nil {
			logger.Warn("Failed to send help", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		}
	}
}

func (a *Adapter) messageEvent(updateID int, msg *tgbotapi.Message) (platform.MessageEvent, bool) {
	if msg.From == nil || msg.From.IsBot || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return platform.MessageEvent{}, false
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := msg.Text
	mentioned := msg.Chat.IsPrivate()
	replyToBot := msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == a.api.Self.ID

	if handle := "@" + a.api.Self.UserName; a.api.Self.UserName != "" && strings.Contains(text, handle) {
		mentioned = true
		text = strings.Join(strings.Fields(strings.ReplaceAll(text, handle, "")), " ")
	}

	return platform.MessageEvent{
		EventID:       "tg:update:" + strconv.Itoa(updateID),
		WorkspaceID:   a.workspaceID,
		ChannelID:     chatID,
		ThreadKey:     "tg:" + chatID,
		MessageTS:     strconv.Itoa(msg.MessageID),
		UserID:        strconv.FormatInt(msg.From.ID, 10),
		Text:          text,
		IsThreadReply: msg.Chat.IsPrivate() || replyToBot,
		Mentioned:     mentioned || replyToBot,
		ReceivedAt:    time.Now(),
	}, true
}

// Callback data is "<action>:<feedback value>"; Telegram caps it at 64 bytes
// so only the message id travels.
const (
	callbackHelpful    = "h"
	callbackNotHelpful = "n"
)

func (a *Adapter) actionEvent(cb *tgbotapi.CallbackQuery) (platform.ActionEvent, bool) {
	kind, value, ok := strings.Cut(cb.Data, ":")
	if !ok || cb.From == nil {
		return platform.ActionEvent{}, false
	}

	var actionID string
	switch kind {
	case callbackHelpful:
		actionID = platform.ActionHelpful
	case callbackNotHelpful:
		actionID = platform.ActionNotHelpful
	default:
		return platform.ActionEvent{}, false
	}

	ev := platform.ActionEvent{
		EventID:     "tg:callback:" + cb.ID,
		WorkspaceID: a.workspaceID,
		UserID:      strconv.FormatInt(cb.From.ID, 10),
		ActionID:    actionID,
		Value:       value,
	}
	if cb.Message != nil && cb.Message.Chat != nil {
		ev.ChannelID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		ev.ThreadKey = "tg:" + ev.ChannelID
		ev.MessageTS = strconv.Itoa(cb.Message.MessageID)
	}
	return ev, true
}

// Send posts msg as plain text with an inline feedback keyboard and returns
// the Telegram message id.
func (a *Adapter) Send(_ context.Context, msg platform.OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", msg.ChannelID, err)
	}

	out := tgbotapi.NewMessage(chatID, msg.PlainText())
	out.DisableWebPagePreview = true
	if msg.Feedback != nil {
		value := platform.FeedbackValue(platform.FeedbackControls{MessageID: msg.Feedback.MessageID})
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("👍 Helpful", callbackHelpful+":"+value),
				tgbotapi.NewInlineKeyboardButtonData("👎 Not helpful", callbackNotHelpful+":"+value),
			),
		)
	}

	sent, err := a.api.Send(out)
	if err != nil {
		return "", fmt.Errorf("failed to send telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
