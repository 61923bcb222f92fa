// Package telegram connects the conversation flow to the Telegram Bot API
// using long polling.
package telegram

import (
	"context"
	"errors"
	"log"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"podcast-bot/internal/flow"
)

const (
	startCommand = "start"
	pollTimeout  = 60

	// Telegram allows roughly 30 messages per second across all chats.
	sendRate  = rate.Limit(25)
	sendBurst = 5
)

// ErrMissingToken is returned when no bot token is configured.
var ErrMissingToken = errors.New("telegram bot token is required")

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler reacts to listing requests and button presses.
type Handler interface {
	HandleStart(ctx context.Context, cmd flow.Command)
	HandleCallback(ctx context.Context, cb flow.Callback)
}

// Bot sends flow messages to Telegram and feeds incoming updates to a Handler.
type Bot struct {
	api        botAPI
	limiter    *rate.Limiter
	dispatcher *Dispatcher
	logger     *log.Logger
}

// New authenticates against the Bot API. A nil httpClient uses
// http.DefaultClient.
func New(token string, httpClient *http.Client, logger *log.Logger) (*Bot, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, err
	}
	bot := newBot(api, rate.NewLimiter(sendRate, sendBurst), logger)
	bot.logger.Printf("authorized on account %s", api.Self.UserName)
	return bot, nil
}

func newBot(api botAPI, limiter *rate.Limiter, logger *log.Logger) *Bot {
	if logger == nil {
		logger = log.Default()
	}
	return &Bot{
		api:        api,
		limiter:    limiter,
		dispatcher: NewDispatcher(),
		logger:     logger,
	}
}

// Send delivers msg, waiting for the send rate limit.
func (b *Bot) Send(ctx context.Context, msg flow.Message) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Send(chattable(msg))
	return err
}

// Ack answers a callback query so the client stops showing progress.
func (b *Bot) Ack(ctx context.Context, callbackID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(tgbotapi.NewCallback(callbackID, ""))
	return err
}

// Run polls for updates until ctx is cancelled, then waits for the
// handlers already dispatched to return.
func (b *Bot) Run(ctx context.Context, handler Handler) error {
	config := tgbotapi.NewUpdate(0)
	config.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(config)

	defer b.dispatcher.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, handler, update)
		}
	}
}

func (b *Bot) route(ctx context.Context, handler Handler, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		cb, ok := callbackFromQuery(update.CallbackQuery)
		if !ok {
			return
		}
		// Answered here rather than in the chat's queue, which may be busy
		// with a download for longer than Telegram keeps the query open.
		if err := b.Ack(ctx, cb.ID); err != nil {
			b.logger.Printf("failed to acknowledge callback %s: %v", cb.ID, err)
		}
		b.dispatcher.Submit(cb.ChatID, func() {
			if ctx.Err() != nil {
				return
			}
			handler.HandleCallback(ctx, cb)
		})
	case update.Message != nil && update.Message.IsCommand():
		msg := update.Message
		if msg.Command() != startCommand || msg.Chat == nil || msg.From == nil {
			return
		}
		cmd := flow.Command{ChatID: msg.Chat.ID, UserID: msg.From.ID, MessageID: msg.MessageID}
		b.dispatcher.Submit(cmd.ChatID, func() {
			if ctx.Err() != nil {
				return
			}
			handler.HandleStart(ctx, cmd)
		})
	}
}

func callbackFromQuery(query *tgbotapi.CallbackQuery) (flow.Callback, bool) {
	if query.From == nil {
		return flow.Callback{}, false
	}
	cb := flow.Callback{
		ID:     query.ID,
		ChatID: query.From.ID,
		UserID: query.From.ID,
		Data:   query.Data,
	}
	if query.Message != nil {
		cb.MessageID = query.Message.MessageID
		if query.Message.Chat != nil {
			cb.ChatID = query.Message.Chat.ID
		}
	}
	return cb, true
}

func chattable(msg flow.Message) tgbotapi.Chattable {
	markup := keyboard(msg.Buttons)

	if msg.PhotoURL != "" {
		photo := tgbotapi.NewPhoto(msg.ChatID, tgbotapi.FileURL(msg.PhotoURL))
		photo.Caption = msg.Text
		photo.ReplyToMessageID = msg.ReplyTo
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		return photo
	}

	text := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	text.ReplyToMessageID = msg.ReplyTo
	if markup != nil {
		text.ReplyMarkup = *markup
	}
	return text
}

// keyboard lays all buttons out in a single row.
func keyboard(buttons []flow.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, len(buttons))
	for i, button := range buttons {
		row[i] = tgbotapi.NewInlineKeyboardButtonData(button.Label, button.Data)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(row)
	return &markup
}
