// Package bot connects the notifier to Telegram: outbound HTML messages with
// inline keyboards, and the inbound button presses and commands users send.
package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"swapbot/notifier/internal/message"
)

// API is the part of *tgbotapi.BotAPI the notifier uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// New logs in with token and returns the Telegram client.
func New(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return api, nil
}

type Sender struct {
	api API
	log *zap.Logger
}

func NewSender(api API, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{api: api, log: log}
}

// Send delivers an HTML body to chatID with an optional inline keyboard.
func (s *Sender) Send(ctx context.Context, chatID int64, body string, keyboard message.Keyboard) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, body)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if len(keyboard) > 0 {
		msg.ReplyMarkup = markup(keyboard)
	}

	if _, err := s.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			s.log.Warn("telegram rate limited", zap.Int64("chat_id", chatID), zap.Int("retry_after", apiErr.RetryAfter))
		}
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

func markup(keyboard message.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
