package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	ack := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Request(ack); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	// Telegram omits the originating message once it is too old.
	if cb.Message == nil {
		b.log.Warn("callback without message", "data", cb.Data, "user_id", cb.From.ID)
		return
	}

	data := cb.Data
	chatID := cb.Message.Chat.ID

	action, _, _ := strings.Cut(data, ":")

	b.log.Info("callback",
		"action", data,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch {
	case data == "unsub:confirm":
		if err := b.store.SetSubscriptionActive(ctx, chatID, false); err != nil {
			b.log.Error("deactivate subscription", "chat_id", chatID, "error", err)
			b.reply(chatID, "Failed to unsubscribe, please try again.")
			return
		}
		b.reply(chatID, "Unsubscribed. Your tags are kept; use /subscribe to come back.")
	case data == "tagclear:confirm":
		if err := b.store.UpdateSubscriptionTags(ctx, chatID, nil); err != nil {
			b.log.Error("clear tags", "chat_id", chatID, "error", err)
			b.reply(chatID, "Failed to clear tags, please try again.")
			return
		}
		b.reply(chatID, "All tags removed.")
	case action == "noop":
		b.reply(chatID, "Cancelled.")
	}
}
