// Package cache provides the fast-path "already sent" cache used to
// short-circuit duplicate checks before hitting the database.
//
// The cache is strictly a non-authoritative accelerator: a miss (or any
// backend failure) means "check the database", never "not sent". Entries
// expire after a TTL; the database rows remain the source of truth.
package cache

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is how long a sent marker is remembered.
const DefaultTTL = 24 * time.Hour

// Cache records which posts were already sent, globally and per chat.
// Implementations swallow backend errors and report them as misses.
type Cache interface {
	// WasSent reports whether a post was globally marked sent.
	WasSent(ctx context.Context, postID string) bool
	// MarkSent records a post as globally sent.
	MarkSent(ctx context.Context, postID string)
	// WasSentTo reports whether a post was marked sent to one chat.
	WasSentTo(ctx context.Context, chatID int64, postID string) bool
	// MarkSentTo records a post as sent to one chat.
	MarkSentTo(ctx context.Context, chatID int64, postID string)
}

func globalKey(postID string) string {
	return "sent_post:" + postID
}

func chatKey(chatID int64, postID string) string {
	return fmt.Sprintf("sent_post:%d:%s", chatID, postID)
}
