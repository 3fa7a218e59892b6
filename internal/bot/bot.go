// Package bot implements the Telegram command surface used to manage
// keyword subscriptions.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"kwalert/internal/config"
	"kwalert/internal/model"
	"kwalert/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot answers subscription management commands in private chats.
type Bot struct {
	api   telegramAPI
	store storage.Storage
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot on top of an existing Bot API client.
func New(api telegramAPI, store storage.Storage, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:   api,
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.From == nil {
		return
	}
	if msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	if !b.cfg.IsUserAllowed(msg.From.ID) {
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, msg)
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case cmdStart:
		b.handleStart(ctx, chatID)
		return
	case cmdHelp:
		b.handleHelp(chatID)
		return
	case cmdCancel:
		b.reply(chatID, "OK, nothing to cancel.")
		return
	}

	user, ok := b.registeredUser(ctx, chatID)
	if !ok {
		return
	}

	switch cmd {
	case cmdSubscribe:
		b.handleSubscribe(ctx, chatID, user, args)
	case cmdUnsubscribe:
		b.handleUnsubscribe(ctx, chatID, user, args)
	case cmdUnsubscribeID:
		b.handleUnsubscribeID(ctx, chatID, user, args)
	case cmdUnsubscribeAll:
		b.handleUnsubscribeAll(ctx, chatID, user)
	case cmdList:
		b.handleList(ctx, chatID, user)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// registeredUser returns the user bound to chatID, replying with a hint
// when the chat never ran /start.
func (b *Bot) registeredUser(ctx context.Context, chatID int64) (*model.User, bool) {
	user, err := b.store.GetUserByChatID(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "You are not registered yet. Send /start first.")
		return nil, false
	}
	if err != nil {
		b.log.Error("get user", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return nil, false
	}
	return user, true
}
