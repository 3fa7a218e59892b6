package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"kwalert/internal/channel"
	"kwalert/internal/filter"
	"kwalert/internal/model"
)

const (
	cmdStart          = "start"
	cmdHelp           = "help"
	cmdCancel         = "cancel"
	cmdSubscribe      = "subscribe"
	cmdUnsubscribe    = "unsubscribe"
	cmdUnsubscribeID  = "unsubscribe_id"
	cmdUnsubscribeAll = "unsubscribe_all"
	cmdList           = "list"
)

// maxListButtons caps the inline remove buttons attached to /list.
const maxListButtons = 50

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	user, err := b.store.UpsertUser(ctx, chatID)
	if err != nil {
		b.log.Error("register user", "chat_id", chatID, "error", err)
		b.reply(chatID, "Registration failed, please try again later.")
		return
	}
	b.log.Info("user registered", "user_id", user.ID, "chat_id", chatID)
	b.reply(chatID, "Bot ready! Use /help to see the commands.")
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64, user *model.User, args string) {
	keywords, channels, err := ParseSubscribeArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /subscribe kw1,kw2 channel1,channel2")
		return
	}

	var (
		created  []model.Subscription
		failures []string
		valid    []string
	)
	for _, kw := range keywords {
		if err := filter.Validate(kw); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", kw, err))
			continue
		}
		valid = append(valid, kw)
	}

	for _, input := range channels {
		ref := channel.ParseRef(input)
		if ref.String() == "" {
			failures = append(failures, fmt.Sprintf("%s: not a channel", input))
			continue
		}
		for _, kw := range valid {
			sub := model.Subscription{
				UserID:      user.ID,
				Keyword:     kw,
				ChannelName: ref.Name,
				ChatID:      ref.ChatID,
			}
			exists, err := b.store.HasSubscription(ctx, sub)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s @ %s: %v", kw, input, err))
				continue
			}
			if exists {
				continue
			}
			if err := b.store.CreateSubscription(ctx, &sub); err != nil {
				failures = append(failures, fmt.Sprintf("%s @ %s: %v", kw, input, err))
				continue
			}
			created = append(created, sub)
		}
	}

	b.log.Info("subscribe", "user_id", user.ID, "created", len(created), "failed", len(failures))
	b.reply(chatID, FormatSubscribeResult(created, failures))
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, user *model.User, args string) {
	kw, ch, err := ParseUnsubscribeArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe kw [channel]")
		return
	}
	if ch != "" {
		ch = channel.ParseRef(ch).String()
	}
	n, err := b.store.DeactivateByKeyword(ctx, user.ID, kw, ch)
	if err != nil {
		b.log.Error("deactivate by keyword", "user_id", user.ID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Deactivated: %d", n))
}

func (b *Bot) handleUnsubscribeID(ctx context.Context, chatID int64, user *model.User, args string) {
	ids, err := ParseIDList(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe_id 10,22")
		return
	}
	n, err := b.store.DeactivateByIDs(ctx, user.ID, ids)
	if err != nil {
		b.log.Error("deactivate by ids", "user_id", user.ID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Deactivated by ID: %d", n))
}

func (b *Bot) handleUnsubscribeAll(ctx context.Context, chatID int64, user *model.User) {
	n, err := b.store.DeactivateAll(ctx, user.ID)
	if err != nil {
		b.log.Error("deactivate all", "user_id", user.ID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Subscriptions deactivated: %d", n))
}

func (b *Bot) handleList(ctx context.Context, chatID int64, user *model.User) {
	subs, err := b.store.ListUserSubscriptions(ctx, user.ID)
	if err != nil {
		b.log.Error("list subscriptions", "user_id", user.ID, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(subs))
	msg.DisableWebPagePreview = true
	if len(subs) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, s := range subs[:min(len(subs), maxListButtons)] {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Remove #%d", s.ID), fmt.Sprintf("%s:%d", actionUnsub, s.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send subscription list", "chat_id", chatID, "error", err)
	}
}
