package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tagbot/internal/model"
	"tagbot/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Tumblr Tag Tracker!

Subscribe and pick tags - popular posts carrying them will be sent to you, each at most once.

Quick start:
1. /subscribe - activate your subscription
2. /tag add <tag> - pick tags to follow
3. Sit back; new qualifying posts arrive automatically.

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscription:
/subscribe - activate (or re-activate) your subscription
/unsubscribe - stop receiving posts (your tags are kept)

Tags:
/tags - show your current tags
/tag add <tag> [<tag>...] - follow tags
/tag remove <tag> [<tag>...] - unfollow tags
/tag clear - remove all tags
/tag list - same as /tags

For multi-word tags use quotes: /tag add "lord of the mysteries".
Tags are matched case-insensitively. Posts are delivered once they
collect enough notes, so there can be a delay after posting.`)
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64) {
	sub, err := b.store.GetSubscription(ctx, chatID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sub = &model.Subscription{ChatID: chatID, IsActive: true}
		if err := b.store.CreateSubscription(ctx, sub); err != nil {
			b.log.Error("create subscription", "chat_id", chatID, "error", err)
			b.reply(chatID, "Failed to subscribe, please try again.")
			return
		}
		b.reply(chatID, "Subscribed! Now add tags with /tag add <tag>.")
	case err != nil:
		b.log.Error("get subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Failed to subscribe, please try again.")
	case sub.IsActive:
		b.reply(chatID, "You are already subscribed. Use /tags to see your tags.")
	default:
		if err := b.store.SetSubscriptionActive(ctx, chatID, true); err != nil {
			b.log.Error("reactivate subscription", "chat_id", chatID, "error", err)
			b.reply(chatID, "Failed to subscribe, please try again.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Welcome back! Your subscription is active again with %d tags.", len(sub.Tags)))
	}
}

func (b *Bot) handleUnsubscribe(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Stop receiving posts? Your tags will be kept for later.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, unsubscribe", "unsub:confirm"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send unsubscribe confirmation", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleTags(ctx context.Context, chatID int64) {
	sub, err := b.requireSubscription(ctx, chatID)
	if sub == nil || err != nil {
		return
	}
	b.reply(chatID, FormatTagList(sub.Tags))
}

func (b *Bot) handleTag(ctx context.Context, chatID int64, args string) {
	sub, err := b.requireSubscription(ctx, chatID)
	if sub == nil || err != nil {
		return
	}

	action, rest, _ := strings.Cut(args, " ")
	switch strings.ToLower(action) {
	case "", "list":
		b.reply(chatID, FormatTagList(sub.Tags))
	case "add":
		b.handleTagAdd(ctx, chatID, sub, rest)
	case "remove":
		b.handleTagRemove(ctx, chatID, sub, rest)
	case "clear":
		b.handleTagClear(chatID)
	default:
		b.reply(chatID, "Usage: /tag add|remove|clear|list [tags...]")
	}
}

func (b *Bot) handleTagAdd(ctx context.Context, chatID int64, sub *model.Subscription, args string) {
	newTags := model.NormalizeTags(ParseTagArgs(args))
	if len(newTags) == 0 {
		b.reply(chatID, `Usage: /tag add <tag> [<tag>...]
For multi-word tags use quotes: /tag add "lord of the mysteries"`)
		return
	}
	for _, tag := range newTags {
		if err := ValidateTag(tag); err != nil {
			b.reply(chatID, fmt.Sprintf("Cannot add tags: %v", err))
			return
		}
	}

	merged := model.NormalizeTags(append(append([]string{}, sub.Tags...), newTags...))
	if len(merged) > maxTagsPerSub {
		b.reply(chatID, fmt.Sprintf("Tag limit exceeded (max %d).", maxTagsPerSub))
		return
	}

	if err := b.store.UpdateSubscriptionTags(ctx, chatID, merged); err != nil {
		b.log.Error("update tags", "chat_id", chatID, "error", err)
		b.reply(chatID, "Failed to update tags, please try again.")
		return
	}
	b.reply(chatID, "Tags updated. You now follow: "+strings.Join(merged, ", "))
}

func (b *Bot) handleTagRemove(ctx context.Context, chatID int64, sub *model.Subscription, args string) {
	toRemove := model.NormalizeTags(ParseTagArgs(args))
	if len(toRemove) == 0 {
		b.reply(chatID, "Usage: /tag remove <tag> [<tag>...]")
		return
	}

	removeSet := make(map[string]bool, len(toRemove))
	for _, tag := range toRemove {
		removeSet[tag] = true
	}
	var kept []string
	for _, tag := range sub.Tags {
		if !removeSet[tag] {
			kept = append(kept, tag)
		}
	}
	if len(kept) == len(sub.Tags) {
		b.reply(chatID, "None of those tags are in your list. Use /tags to see them.")
		return
	}

	if err := b.store.UpdateSubscriptionTags(ctx, chatID, kept); err != nil {
		b.log.Error("update tags", "chat_id", chatID, "error", err)
		b.reply(chatID, "Failed to update tags, please try again.")
		return
	}
	if len(kept) == 0 {
		b.reply(chatID, "All tags removed. You will not receive posts until you add tags again.")
		return
	}
	b.reply(chatID, "Tags updated. You now follow: "+strings.Join(kept, ", "))
}

func (b *Bot) handleTagClear(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Remove all your tags? This cannot be undone.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, clear all", "tagclear:confirm"),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send clear confirmation", "chat_id", chatID, "error", err)
	}
}

// requireSubscription loads the chat's subscription, prompting the user
// to /subscribe when none exists. Returns (nil, nil) when the caller
// should stop.
func (b *Bot) requireSubscription(ctx context.Context, chatID int64) (*model.Subscription, error) {
	sub, err := b.store.GetSubscription(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "You need to /subscribe first.")
		return nil, nil
	}
	if err != nil {
		b.log.Error("get subscription", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again.")
		return nil, err
	}
	return sub, nil
}
