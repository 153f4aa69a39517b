package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tagbot/internal/model"
)

// captionLimit is Telegram's maximum media caption length.
const captionLimit = 1024

// SendPost delivers one post to one chat. It attempts a rich send first
// (photo or video with caption), then falls back once to a plain text
// message. Returns true only if one of the attempts succeeded; the
// caller's dedup state must only be updated on true.
func (b *Bot) SendPost(ctx context.Context, chatID int64, post model.Post) bool {
	if ctx.Err() != nil {
		return false
	}

	caption := FormatPost(post)

	var rich tgbotapi.Chattable
	switch {
	case post.PhotoURL != "":
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(post.PhotoURL))
		photo.Caption = truncate(caption, captionLimit)
		photo.ParseMode = tgbotapi.ModeMarkdownV2
		rich = photo
	case post.VideoURL != "":
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(post.VideoURL))
		video.Caption = truncate(caption, captionLimit)
		video.ParseMode = tgbotapi.ModeMarkdownV2
		rich = video
	default:
		msg := tgbotapi.NewMessage(chatID, caption)
		msg.ParseMode = tgbotapi.ModeMarkdownV2
		msg.DisableWebPagePreview = true
		rich = msg
	}

	_, err := b.api.Send(rich)
	if err == nil {
		return true
	}
	b.log.Warn("rich send failed, retrying as text", "chat_id", chatID, "post_id", post.ID, "error", err)

	// Degraded retry: plain text, no markup that could be rejected.
	fallback := tgbotapi.NewMessage(chatID, FormatPostPlain(post))
	fallback.DisableWebPagePreview = true
	if _, err := b.api.Send(fallback); err != nil {
		b.log.Error("text send failed", "chat_id", chatID, "post_id", post.ID, "error", err)
		return false
	}
	return true
}

// truncate shortens s to at most max runes. The cut never lands inside
// a multibyte rune, and never between a backslash and the character it
// escapes.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	r = r[:max-3]
	n := 0
	for n < len(r) && r[len(r)-1-n] == '\\' {
		n++
	}
	if n%2 == 1 {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}
