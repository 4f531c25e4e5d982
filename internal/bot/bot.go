package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"swapbot/notifier/internal/completion"
	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/store"
)

const (
	replyWelcome       = "Welcome! Head over to https://tutreg.com to make your first swap request!"
	replyNotFound      = "Swap not found or you are not the creator."
	replyAlreadyDone   = "This swap has already been completed."
	replyGenericError  = "An error occurred while processing your request. Please try again later."
	answerCompleted    = "Marked swap as completed!"
	updateTimeout      = 60
	updateHandlingTime = 30 * time.Second
)

// Completer finishes a swap on behalf of the user who pressed its button.
type Completer interface {
	CompleteToken(ctx context.Context, data string, actorID int64) (store.SwapRecord, error)
}

// Bot handles updates pushed by Telegram.
type Bot struct {
	api       API
	completer Completer
	compiler  *message.Compiler
	log       *zap.Logger
	wg        sync.WaitGroup
}

func NewBot(api API, completer Completer, compiler *message.Compiler, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{api: api, completer: completer, compiler: compiler, log: log}
}

// Run long-polls for updates until ctx is cancelled. Each update is handled on
// its own goroutine; Run waits for those before returning.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeout
	updates := b.api.GetUpdatesChan(cfg)
	b.log.Info("bot polling for updates")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateHandlingTime)
				defer cancel()
				b.HandleUpdate(hctx, update)
			}()
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(update.Message)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.reply(msg.Chat.ID, replyWelcome)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil || !completion.IsToken(q.Data) {
		b.answer(q.ID, "")
		return
	}

	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}
	log := b.log.With(zap.Int64("actor_id", q.From.ID))

	swap, err := b.completer.CompleteToken(ctx, q.Data, q.From.ID)
	switch {
	case errors.Is(err, completion.ErrInvalidToken), errors.Is(err, completion.ErrNotFoundOrUnauthorized):
		log.Info("completion denied", zap.String("data", q.Data), zap.Error(err))
		b.answer(q.ID, "")
		b.reply(chatID, replyNotFound)
	case errors.Is(err, completion.ErrAlreadyCompleted):
		b.answer(q.ID, "")
		b.reply(chatID, replyAlreadyDone)
	case err != nil:
		log.Error("complete swap", zap.String("data", q.Data), zap.Error(err))
		b.answer(q.ID, "")
		b.reply(chatID, replyGenericError)
	default:
		b.answer(q.ID, answerCompleted)
		if q.Message != nil && q.Message.Chat != nil {
			edit := tgbotapi.NewEditMessageReplyMarkup(q.Message.Chat.ID, q.Message.MessageID,
				markup(b.compiler.CompletedKeyboard(swap.SwapID)))
			if _, err := b.api.Request(edit); err != nil {
				log.Warn("replace completion keyboard", zap.Int64("swap_id", swap.SwapID), zap.Error(err))
			}
		}
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn("answer callback query", zap.Error(err))
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Warn("send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
