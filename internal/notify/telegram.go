package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramHandler delivers notifications to a single operator chat over the
// Telegram bot API. Unlike a chat surface, it never reads updates: it only
// sends, so there is no polling loop to manage.
type TelegramHandler struct {
	token  string
	chatID int64
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramHandler creates a handler bound to a single chat. The bot
// connection is established lazily on first Notify so a bad token surfaces
// as a delivery failure rather than blocking startup.
func NewTelegramHandler(token string, chatID int64, logger *slog.Logger) *TelegramHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramHandler{token: token, chatID: chatID, logger: logger.With("component", "notify.telegram")}
}

func (h *TelegramHandler) Notify(_ context.Context, messageType, message string) {
	bot, err := h.ensureBot()
	if err != nil {
		h.logger.Error("telegram handler unavailable", "type", messageType, "error", err)
		return
	}
	msg := tgbotapi.NewMessage(h.chatID, message)
	if _, err := bot.Send(msg); err != nil {
		h.logger.Error("failed to send telegram notification", "type", messageType, "error", err)
	}
}

func (h *TelegramHandler) ensureBot() (*tgbotapi.BotAPI, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bot != nil {
		return h.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(h.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	h.logger.Info("telegram notifier connected", "user", bot.Self.UserName)
	h.bot = bot
	return h.bot, nil
}
