package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"tagbot/internal/model"
	"tagbot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (chat_id, tags, is_active, created_at) VALUES (?, ?, ?, ?)`,
		sub.ChatID, joinTags(sub.Tags), boolToInt(sub.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSubscription returns the subscription for a chat, or ErrNotFound.
func (s *SQLite) GetSubscription(ctx context.Context, chatID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, tags, is_active, created_at FROM subscriptions WHERE chat_id = ?`, chatID,
	)
	return scanSubscription(row)
}

// SetSubscriptionActive toggles the active flag for a chat's subscription.
func (s *SQLite) SetSubscriptionActive(ctx context.Context, chatID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = ? WHERE chat_id = ?`, boolToInt(active), chatID,
	)
	if err != nil {
		return fmt.Errorf("update subscription active: %w", err)
	}
	return requireRow(res)
}

// UpdateSubscriptionTags replaces the tag set for a chat's subscription.
func (s *SQLite) UpdateSubscriptionTags(ctx context.Context, chatID int64, tags []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET tags = ? WHERE chat_id = ?`, joinTags(tags), chatID,
	)
	if err != nil {
		return fmt.Errorf("update subscription tags: %w", err)
	}
	return requireRow(res)
}

// ListActiveSubscriptions returns all subscriptions with the active flag set.
func (s *SQLite) ListActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, tags, is_active, created_at FROM subscriptions WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// GetTrackedPost returns a tracked post by its source ID, or ErrNotFound.
func (s *SQLite) GetTrackedPost(ctx context.Context, postID string) (*model.TrackedPost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, blog_name, post_url, note_count, tags, first_seen_at, last_checked_at,
		        post_created_at, was_sent, sent_to_users
		 FROM tracked_posts WHERE post_id = ?`, postID,
	)
	return scanTracked(row)
}

// UpsertTrackedPost inserts a tracked post or refreshes an existing row.
// The note count only moves upward; first_seen_at, was_sent and the
// sent counter are never touched by a re-sighting.
func (s *SQLite) UpsertTrackedPost(ctx context.Context, tp *model.TrackedPost) error {
	now := time.Now().UTC()
	firstSeen := tp.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = now
	}
	var createdAt *string
	if tp.PostCreatedAt != nil {
		v := tp.PostCreatedAt.UTC().Format(timeLayout)
		createdAt = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_posts
		   (post_id, blog_name, post_url, note_count, tags, first_seen_at, last_checked_at, post_created_at, was_sent, sent_to_users)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		 ON CONFLICT (post_id) DO UPDATE SET
		   note_count      = MAX(note_count, excluded.note_count),
		   last_checked_at = excluded.last_checked_at,
		   blog_name       = CASE WHEN excluded.blog_name != '' THEN excluded.blog_name ELSE blog_name END,
		   post_url        = CASE WHEN excluded.post_url != '' THEN excluded.post_url ELSE post_url END,
		   tags            = CASE WHEN excluded.tags != '' THEN excluded.tags ELSE tags END,
		   post_created_at = COALESCE(post_created_at, excluded.post_created_at)`,
		tp.PostID, tp.BlogName, tp.PostURL, tp.NoteCount, joinTags(tp.Tags),
		firstSeen.Format(timeLayout), now.Format(timeLayout), createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tracked post: %w", err)
	}
	return nil
}

// MarkPostSent flags a tracked post as sent and bumps the recipient counter.
// The sent flag never transitions back to unsent.
func (s *SQLite) MarkPostSent(ctx context.Context, postID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_posts SET was_sent = 1, sent_to_users = sent_to_users + 1 WHERE post_id = ?`,
		postID,
	)
	if err != nil {
		return fmt.Errorf("mark post sent: %w", err)
	}
	return nil
}

// ListUnsentAboveNotes returns unsent posts whose note count cleared the threshold.
func (s *SQLite) ListUnsentAboveNotes(ctx context.Context, minNotes int64) ([]model.TrackedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id, blog_name, post_url, note_count, tags, first_seen_at, last_checked_at,
		        post_created_at, was_sent, sent_to_users
		 FROM tracked_posts WHERE was_sent = 0 AND note_count >= ? ORDER BY first_seen_at`, minNotes,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsent posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTrackedRows(rows)
}

// ListUnsentCheckedBefore returns unsent posts last checked before cutoff.
func (s *SQLite) ListUnsentCheckedBefore(ctx context.Context, cutoff time.Time) ([]model.TrackedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id, blog_name, post_url, note_count, tags, first_seen_at, last_checked_at,
		        post_created_at, was_sent, sent_to_users
		 FROM tracked_posts WHERE was_sent = 0 AND last_checked_at < ? ORDER BY last_checked_at`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTrackedRows(rows)
}

// PurgeSentPostsBefore deletes sent posts last checked before cutoff.
// Unsent posts are never purged here.
func (s *SQLite) PurgeSentPostsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_posts WHERE was_sent = 1 AND last_checked_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sent posts: %w", err)
	}
	return res.RowsAffected()
}

// PurgeUnsentPostsBefore deletes never-sent posts first seen before cutoff.
// This bounds storage for posts that never clear the threshold.
func (s *SQLite) PurgeUnsentPostsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_posts WHERE was_sent = 0 AND first_seen_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge unsent posts: %w", err)
	}
	return res.RowsAffected()
}

// GetDelivery returns the delivery row for a (chat, post) pair, or ErrNotFound.
func (s *SQLite) GetDelivery(ctx context.Context, chatID int64, postID string) (*model.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, post_id, matched_tags, was_sent, created_at, sent_at
		 FROM deliveries WHERE chat_id = ? AND post_id = ?`, chatID, postID,
	)
	return scanDelivery(row)
}

// CreateDeliveryIntent records that a chat is owed a delivery. The unique
// (chat_id, post_id) key makes the insert a no-op if a row already exists.
func (s *SQLite) CreateDeliveryIntent(ctx context.Context, d *model.Delivery) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (chat_id, post_id, matched_tags, was_sent, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		d.ChatID, d.PostID, joinTags(d.MatchedTags), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert delivery intent: %w", err)
	}
	d.CreatedAt = now
	return nil
}

// MarkDelivered flags a delivery as sent and stamps the delivery time.
// The stamp is written once; repeated calls keep the original time.
func (s *SQLite) MarkDelivered(ctx context.Context, chatID int64, postID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET was_sent = 1, sent_at = ?
		 WHERE chat_id = ? AND post_id = ? AND was_sent = 0`,
		time.Now().UTC().Format(timeLayout), chatID, postID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// PurgeDeliveredBefore deletes delivered rows older than cutoff.
func (s *SQLite) PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE was_sent = 1 AND sent_at < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinTags(tags []string) string {
	return strings.Join(model.NormalizeTags(tags), ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var tags string
	var isActive int
	var created sql.NullString
	err := row.Scan(&sub.ID, &sub.ChatID, &tags, &isActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Tags = splitTags(tags)
	sub.IsActive = isActive == 1
	if created.Valid {
		sub.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &sub, nil
}

func scanTracked(row scannable) (*model.TrackedPost, error) {
	var tp model.TrackedPost
	var tags, firstSeen, lastChecked string
	var createdAt sql.NullString
	var wasSent int
	err := row.Scan(&tp.PostID, &tp.BlogName, &tp.PostURL, &tp.NoteCount, &tags,
		&firstSeen, &lastChecked, &createdAt, &wasSent, &tp.SentToUsers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tracked post: %w", err)
	}
	tp.Tags = splitTags(tags)
	tp.WasSent = wasSent == 1
	tp.FirstSeenAt, _ = time.Parse(timeLayout, firstSeen)
	tp.LastCheckedAt, _ = time.Parse(timeLayout, lastChecked)
	if createdAt.Valid {
		t, _ := time.Parse(timeLayout, createdAt.String)
		tp.PostCreatedAt = &t
	}
	return &tp, nil
}

func scanTrackedRows(rows *sql.Rows) ([]model.TrackedPost, error) {
	var posts []model.TrackedPost
	for rows.Next() {
		tp, err := scanTracked(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *tp)
	}
	return posts, rows.Err()
}

func scanDelivery(row scannable) (*model.Delivery, error) {
	var d model.Delivery
	var tags, created string
	var sentAt sql.NullString
	var wasSent int
	err := row.Scan(&d.ID, &d.ChatID, &d.PostID, &tags, &wasSent, &created, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	d.MatchedTags = splitTags(tags)
	d.WasSent = wasSent == 1
	d.CreatedAt, _ = time.Parse(timeLayout, created)
	if sentAt.Valid {
		t, _ := time.Parse(timeLayout, sentAt.String)
		d.SentAt = &t
	}
	return &d, nil
}
