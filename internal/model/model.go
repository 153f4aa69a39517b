// Package model defines the domain types used across the application.
package model

import (
	"sort"
	"strings"
	"time"
)

// Subscription represents one Telegram chat subscribed to a set of tags.
type Subscription struct {
	ID        int64
	ChatID    int64
	Tags      []string
	IsActive  bool
	CreatedAt time.Time
}

// Post is one piece of content fetched from Tumblr. It is ephemeral:
// only its projection into TrackedPost is persisted.
type Post struct {
	ID        string
	BlogName  string
	PostURL   string
	CreatedAt *time.Time // nil when the source did not report a timestamp
	NoteCount int64
	Tags      []string
	Summary   string
	Body      string
	PhotoURL  string
	VideoURL  string
}

// TrackedPost is the persistent record of a post ever observed,
// keyed by the source post ID.
type TrackedPost struct {
	PostID        string
	BlogName      string
	PostURL       string
	NoteCount     int64
	Tags          []string
	FirstSeenAt   time.Time
	LastCheckedAt time.Time
	PostCreatedAt *time.Time
	WasSent       bool
	SentToUsers   int
}

// Delivery records whether a post was (or is owed to be) delivered
// to one chat. Unique per (chat, post).
type Delivery struct {
	ID          int64
	ChatID      int64
	PostID      string
	MatchedTags []string
	WasSent     bool
	CreatedAt   time.Time
	SentAt      *time.Time
}

// AsPost rebuilds a Post from tracked state, for delayed dispatch.
func (t *TrackedPost) AsPost() Post {
	return Post{
		ID:        t.PostID,
		BlogName:  t.BlogName,
		PostURL:   t.PostURL,
		CreatedAt: t.PostCreatedAt,
		NoteCount: t.NoteCount,
		Tags:      t.Tags,
	}
}

// NormalizeTags lowercases, trims, deduplicates and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// MatchTags returns the intersection of a subscriber's tags with a
// post's tags. Both sides are compared case-insensitively.
func MatchTags(userTags, postTags []string) []string {
	if len(userTags) == 0 || len(postTags) == 0 {
		return nil
	}
	postSet := make(map[string]bool, len(postTags))
	for _, tag := range postTags {
		postSet[strings.ToLower(strings.TrimSpace(tag))] = true
	}
	var matched []string
	for _, tag := range NormalizeTags(userTags) {
		if postSet[tag] {
			matched = append(matched, tag)
		}
	}
	return matched
}
