package bot

import (
	"fmt"
	"strings"

	"tagbot/internal/model"
	"tagbot/internal/tumblr"
)

// summaryLimit caps the descriptive text included in a notification.
const summaryLimit = 500

var markdownV2Escaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]",
	"(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`",
	">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}",
	".", "\\.", "!", "\\!",
)

// EscapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as markup.
func EscapeMarkdownV2(s string) string {
	return markdownV2Escaper.Replace(s)
}

// FormatPost renders a post as a MarkdownV2 notification: blog name,
// cleaned description, and a link to the post.
func FormatPost(post model.Post) string {
	var b strings.Builder

	if post.BlogName != "" {
		fmt.Fprintf(&b, "*%s*\n\n", EscapeMarkdownV2(post.BlogName))
	}

	if desc := postText(post); desc != "" {
		b.WriteString(EscapeMarkdownV2(desc))
		b.WriteString("\n\n")
	}

	if post.PostURL != "" {
		fmt.Fprintf(&b, "[open post](%s)", post.PostURL)
	}
	return strings.TrimSpace(b.String())
}

// FormatPostPlain renders a post without any markup, for the degraded
// text-only fallback.
func FormatPostPlain(post model.Post) string {
	var b strings.Builder
	if post.BlogName != "" {
		fmt.Fprintf(&b, "[%s]\n\n", post.BlogName)
	}
	if desc := postText(post); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	if post.PostURL != "" {
		b.WriteString(post.PostURL)
	}
	return strings.TrimSpace(b.String())
}

func postText(post model.Post) string {
	text := post.Summary
	if text == "" {
		text = post.Body
	}
	text = tumblr.CleanHTML(text)
	if r := []rune(text); len(r) > summaryLimit {
		text = string(r[:summaryLimit-3]) + "..."
	}
	return text
}

// FormatTagList formats a subscriber's current tag set with usage hints.
func FormatTagList(tags []string) string {
	var b strings.Builder
	b.WriteString("Your tags:\n")
	if len(tags) == 0 {
		b.WriteString("  (none - you will not receive any posts)\n")
	} else {
		for _, tag := range tags {
			fmt.Fprintf(&b, "  • %s\n", tag)
		}
	}
	b.WriteString("\nUse /tag add <tag> to add tags, /tag remove <tag> to remove them.\n")
	b.WriteString(`For multi-word tags use quotes: /tag add "lord of the mysteries"`)
	return b.String()
}
