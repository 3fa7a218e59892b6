package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const actionUnsub = "unsub"

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback", "action", action, "id", id, "chat_id", chatID)

	switch action {
	case actionUnsub:
		if cb.From != nil && !b.cfg.IsUserAllowed(cb.From.ID) {
			b.reply(chatID, "Access denied.")
			return
		}
		user, ok := b.registeredUser(ctx, chatID)
		if !ok {
			return
		}
		n, err := b.store.DeactivateByIDs(ctx, user.ID, []int64{id})
		if err != nil {
			b.log.Error("deactivate by id", "user_id", user.ID, "subscription_id", id, "error", err)
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		if n == 0 {
			b.reply(chatID, fmt.Sprintf("Subscription #%d not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Subscription #%d removed.", id))
	}
}
