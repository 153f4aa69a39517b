// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"tagbot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	// Subscriptions.
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, chatID int64) (*model.Subscription, error)
	SetSubscriptionActive(ctx context.Context, chatID int64, active bool) error
	UpdateSubscriptionTags(ctx context.Context, chatID int64, tags []string) error
	ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)

	// Tracked posts. UpsertTrackedPost merges the note count
	// monotonically: a lower count never overwrites a higher one.
	GetTrackedPost(ctx context.Context, postID string) (*model.TrackedPost, error)
	UpsertTrackedPost(ctx context.Context, tp *model.TrackedPost) error
	MarkPostSent(ctx context.Context, postID string) error
	ListUnsentAboveNotes(ctx context.Context, minNotes int64) ([]model.TrackedPost, error)
	ListUnsentCheckedBefore(ctx context.Context, cutoff time.Time) ([]model.TrackedPost, error)
	PurgeSentPostsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeUnsentPostsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Per-recipient deliveries, unique per (chat, post).
	GetDelivery(ctx context.Context, chatID int64, postID string) (*model.Delivery, error)
	CreateDeliveryIntent(ctx context.Context, d *model.Delivery) error
	MarkDelivered(ctx context.Context, chatID int64, postID string) error
	PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
