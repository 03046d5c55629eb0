// Package providers holds the concrete channels notifications are pushed
// through once the delivery primitive fires them.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/utils"
)

// Responder receives the user's answer to a delivered notification.
type Responder func(notificationID, action string)

type TelegramConfig struct {
	BotToken      string
	ChatID        int64
	RatePerSecond int
	MaxRetries    int
}

// TelegramSender sends notifications to one chat and turns inline button
// presses into responses.
type TelegramSender struct {
	bot        *bot.Bot
	chatID     int64
	limiter    *rate.Limiter
	maxRetries int
	logger     *logging.Logger
	respond    Responder
}

// NewTelegramSender creates the bot once. respond may be nil when button
// presses should be ignored.
func NewTelegramSender(cfg TelegramConfig, logger *logging.Logger, respond Responder) (*TelegramSender, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("missing telegram bot token")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("missing telegram chat id")
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	s := &TelegramSender{
		chatID:     cfg.ChatID,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerSecond)), cfg.RatePerSecond),
		maxRetries: cfg.MaxRetries,
		logger:     logger.WithComponent("telegram"),
		respond:    respond,
	}
	b, err := bot.New(cfg.BotToken, bot.WithDefaultHandler(s.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	s.bot = b
	return s, nil
}

// Start polls for button presses until ctx is done.
func (s *TelegramSender) Start(ctx context.Context) {
	s.bot.Start(ctx)
}

func (s *TelegramSender) Send(ctx context.Context, content delivery.Content) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit exceeded: %w", err)
	}
	params := &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      formatMessage(content),
		ParseMode: "Markdown",
	}
	if kb := actionKeyboard(content); kb != nil {
		params.ReplyMarkup = kb
	}
	return utils.Retry(ctx, s.logger, s.maxRetries, time.Second, func() error {
		if _, err := s.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("failed to send Telegram message to chat_id %d: %w", s.chatID, err)
		}
		return nil
	})
}

func (s *TelegramSender) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.CallbackQuery == nil {
		return
	}
	q := update.CallbackQuery
	id, action, ok := parseCallbackData(q.Data)
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: q.ID}); err != nil {
		s.logger.Warnf("Failed to answer callback query: %v", err)
	}
	if !ok {
		s.logger.Warnf("Ignoring malformed callback data %q", q.Data)
		return
	}
	if s.respond != nil {
		s.respond(id, action)
	}
}

var actionLabels = map[string]string{
	models.ActionSnooze:    "Snooze 15 min",
	models.ActionMarkTaken: "Mark taken",
	models.ActionDismiss:   "Dismiss",
	models.ActionOpen:      "Open",
}

func formatMessage(c delivery.Content) string {
	if c.Body == "" {
		return "*" + c.Title + "*"
	}
	return fmt.Sprintf("*%s*\n%s", c.Title, c.Body)
}

func actionKeyboard(c delivery.Content) *tgmodels.InlineKeyboardMarkup {
	if len(c.Actions) == 0 {
		return nil
	}
	row := make([]tgmodels.InlineKeyboardButton, 0, len(c.Actions))
	for _, a := range c.Actions {
		label, ok := actionLabels[a]
		if !ok {
			label = a
		}
		row = append(row, tgmodels.InlineKeyboardButton{Text: label, CallbackData: callbackData(c.NotificationID, a)})
	}
	return &tgmodels.InlineKeyboardMarkup{InlineKeyboard: [][]tgmodels.InlineKeyboardButton{row}}
}

// callbackData packs a response into Telegram's 64-byte callback payload.
func callbackData(notificationID, action string) string {
	return action + "|" + notificationID
}

func parseCallbackData(data string) (notificationID, action string, ok bool) {
	action, notificationID, ok = strings.Cut(data, "|")
	if !ok || action == "" || notificationID == "" {
		return "", "", false
	}
	return notificationID, action, true
}
