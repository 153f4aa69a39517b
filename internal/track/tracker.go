// Package track implements the two-tier deduplication engine: the global
// qualification gate over tracked posts and the per-recipient delivery
// ledger.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tagbot/internal/cache"
	"tagbot/internal/model"
	"tagbot/internal/storage"
)

// GateConfig tunes the qualification gate and retention windows.
type GateConfig struct {
	MinNotes        int64
	MinAge          time.Duration
	RecheckInterval time.Duration
	CleanupAfter    time.Duration // sent posts
	UnsentRetention time.Duration // never-sent posts
}

// Tracker is the global qualification gate. It decides, per post, whether
// the post has cleared the note-count and age thresholds, and remembers
// whether it was ever dispatched.
type Tracker struct {
	store storage.Storage
	cache cache.Cache
	cfg   GateConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewTracker creates a Tracker over the given store and fast-path cache.
func NewTracker(store storage.Storage, c cache.Cache, cfg GateConfig, log *slog.Logger) *Tracker {
	return &Tracker{store: store, cache: c, cfg: cfg, log: log, now: time.Now}
}

// Observe records a sighting of a post and reports whether it is
// currently eligible for dispatch. The note count merges monotonically,
// so eligibility once reached cannot be revoked by a stale lower count.
// The predicate is evaluated fresh on every call: a post rejected today
// may qualify later purely from metric growth. Posts already dispatched
// short-circuit on the cache without touching the store.
func (t *Tracker) Observe(ctx context.Context, post model.Post) (bool, error) {
	if post.ID == "" {
		return false, fmt.Errorf("post without id")
	}

	if t.cache.WasSent(ctx, post.ID) {
		return false, nil
	}

	tp := model.TrackedPost{
		PostID:        post.ID,
		BlogName:      post.BlogName,
		PostURL:       post.PostURL,
		NoteCount:     post.NoteCount,
		Tags:          post.Tags,
		PostCreatedAt: post.CreatedAt,
	}
	if err := t.store.UpsertTrackedPost(ctx, &tp); err != nil {
		return false, fmt.Errorf("observe post %s: %w", post.ID, err)
	}

	merged, err := t.store.GetTrackedPost(ctx, post.ID)
	if err != nil {
		return false, fmt.Errorf("reload post %s: %w", post.ID, err)
	}
	if merged.WasSent {
		// Backfill the fast path so the next sighting skips the store.
		t.cache.MarkSent(ctx, post.ID)
		return false, nil
	}
	return t.eligible(merged), nil
}

// eligible applies the qualification predicate: enough notes, and old
// enough. An unknown creation time counts as old enough.
func (t *Tracker) eligible(tp *model.TrackedPost) bool {
	if tp.NoteCount < t.cfg.MinNotes {
		return false
	}
	if tp.PostCreatedAt == nil {
		return true
	}
	return t.now().Sub(*tp.PostCreatedAt) >= t.cfg.MinAge
}

// MarkSent flags a post as globally dispatched and bumps the recipient
// counter. Repeated calls never clear the flag. The authoritative row is
// written first; the cache write only saves future lookups.
func (t *Tracker) MarkSent(ctx context.Context, postID string) error {
	if err := t.store.MarkPostSent(ctx, postID); err != nil {
		return err
	}
	t.cache.MarkSent(ctx, postID)
	return nil
}

// ReadyToSend returns unsent posts that have since cleared both
// thresholds, for the delayed-release job.
func (t *Tracker) ReadyToSend(ctx context.Context) ([]model.TrackedPost, error) {
	candidates, err := t.store.ListUnsentAboveNotes(ctx, t.cfg.MinNotes)
	if err != nil {
		return nil, fmt.Errorf("list eligible unsent: %w", err)
	}
	ready := candidates[:0]
	for _, tp := range candidates {
		if t.eligible(&tp) {
			ready = append(ready, tp)
		}
	}
	return ready, nil
}

// StaleForRecheck returns unsent posts whose metrics have not been
// refreshed within the recheck interval.
func (t *Tracker) StaleForRecheck(ctx context.Context) ([]model.TrackedPost, error) {
	cutoff := t.now().Add(-t.cfg.RecheckInterval)
	return t.store.ListUnsentCheckedBefore(ctx, cutoff)
}

// Cleanup purges sent posts past the retention window and never-sent
// posts past the longer unsent retention. Unsent posts inside that
// window are kept so gating state is not lost.
func (t *Tracker) Cleanup(ctx context.Context) {
	now := t.now()

	n, err := t.store.PurgeSentPostsBefore(ctx, now.Add(-t.cfg.CleanupAfter))
	if err != nil {
		t.log.Error("purge sent posts", "error", err)
	} else if n > 0 {
		t.log.Info("purged sent posts", "count", n)
	}

	if t.cfg.UnsentRetention <= 0 {
		return
	}
	n, err = t.store.PurgeUnsentPostsBefore(ctx, now.Add(-t.cfg.UnsentRetention))
	if err != nil {
		t.log.Error("purge unsent posts", "error", err)
	} else if n > 0 {
		t.log.Info("purged unsent posts", "count", n)
	}
}

// Deliveries is the per-recipient delivery ledger: tag matching plus
// at-most-once suppression per (chat, post) pair.
type Deliveries struct {
	store storage.Storage
	cache cache.Cache
	log   *slog.Logger
}

// NewDeliveries creates a Deliveries ledger over the given store and
// fast-path cache.
func NewDeliveries(store storage.Storage, c cache.Cache, log *slog.Logger) *Deliveries {
	return &Deliveries{store: store, cache: c, log: log}
}

// ShouldSend reports whether a post is owed to a chat: not yet delivered
// and at least one subscribed tag in common. When it returns true a
// durable intent row has been recorded, so the obligation survives
// restarts and is re-checked idempotently on the next cycle.
func (d *Deliveries) ShouldSend(ctx context.Context, chatID int64, post model.Post, userTags []string) (bool, error) {
	if post.ID == "" {
		return false, fmt.Errorf("post without id")
	}
	if len(userTags) == 0 {
		return false, nil
	}

	if d.cache.WasSentTo(ctx, chatID, post.ID) {
		return false, nil
	}

	existing, err := d.store.GetDelivery(ctx, chatID, post.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("lookup delivery: %w", err)
	}
	if existing != nil && existing.WasSent {
		// Backfill the fast path so the next check is cheap.
		d.cache.MarkSentTo(ctx, chatID, post.ID)
		return false, nil
	}

	matched := model.MatchTags(userTags, post.Tags)
	if len(matched) == 0 {
		return false, nil
	}

	if existing == nil {
		intent := model.Delivery{ChatID: chatID, PostID: post.ID, MatchedTags: matched}
		if err := d.store.CreateDeliveryIntent(ctx, &intent); err != nil {
			return false, fmt.Errorf("record delivery intent: %w", err)
		}
	}
	return true, nil
}

// MarkSent records a confirmed delivery: authoritative row first, cache
// second. Call only after the channel reported success.
func (d *Deliveries) MarkSent(ctx context.Context, chatID int64, postID string) error {
	if err := d.store.MarkDelivered(ctx, chatID, postID); err != nil {
		return err
	}
	d.cache.MarkSentTo(ctx, chatID, postID)
	return nil
}

// Cleanup purges delivered rows older than the retention window.
func (d *Deliveries) Cleanup(ctx context.Context, olderThan time.Duration) {
	n, err := d.store.PurgeDeliveredBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		d.log.Error("purge deliveries", "error", err)
	} else if n > 0 {
		d.log.Info("purged deliveries", "count", n)
	}
}
