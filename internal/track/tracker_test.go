package track

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tagbot/internal/cache"
	"tagbot/internal/model"
	"tagbot/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func past(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestObserveEligibility(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newTestStore(t)
	tr := NewTracker(store, cache.NewMemory(0), GateConfig{MinNotes: 5, MinAge: time.Hour}, discardLogger())
	tr.now = func() time.Time { return now }

	post := model.Post{
		ID:        "p1",
		BlogName:  "blog",
		NoteCount: 3,
		Tags:      []string{"gardening"},
		CreatedAt: past(now, 2*time.Hour),
	}

	ok, err := tr.Observe(ctx, post)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ok {
		t.Error("post with 3 notes reported eligible, want below threshold")
	}

	// Metric growth on a later sighting clears the gate.
	post.NoteCount = 6
	ok, err = tr.Observe(ctx, post)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !ok {
		t.Error("post with 6 notes reported ineligible")
	}
}

func TestObserveMonotonicNotes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newTestStore(t)
	tr := NewTracker(store, cache.NewMemory(0), GateConfig{MinNotes: 5}, discardLogger())
	tr.now = func() time.Time { return now }

	post := model.Post{ID: "p1", NoteCount: 8}
	if ok, err := tr.Observe(ctx, post); err != nil || !ok {
		t.Fatalf("observe high count: ok=%v err=%v", ok, err)
	}

	// A stale sighting with a lower count must not revoke eligibility.
	post.NoteCount = 2
	ok, err := tr.Observe(ctx, post)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !ok {
		t.Error("eligibility revoked by a lower note count")
	}

	tp, err := store.GetTrackedPost(ctx, "p1")
	if err != nil {
		t.Fatalf("get tracked: %v", err)
	}
	if tp.NoteCount != 8 {
		t.Errorf("note count = %d, want 8 (monotonic merge)", tp.NoteCount)
	}
}

func TestObserveTooYoung(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newTestStore(t)
	tr := NewTracker(store, cache.NewMemory(0), GateConfig{MinNotes: 5, MinAge: time.Hour}, discardLogger())
	tr.now = func() time.Time { return now }

	post := model.Post{ID: "p1", NoteCount: 50, CreatedAt: past(now, 10*time.Minute)}
	ok, err := tr.Observe(ctx, post)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ok {
		t.Error("10 minute old post reported eligible, want held for age")
	}

	// Unknown creation time is treated as old enough.
	post2 := model.Post{ID: "p2", NoteCount: 50}
	ok, err = tr.Observe(ctx, post2)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !ok {
		t.Error("post with unknown creation time held for age")
	}
}

func TestObserveShortCircuitsSentPosts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := cache.NewMemory(0)
	tr := NewTracker(store, mem, GateConfig{MinNotes: 5}, discardLogger())

	post := model.Post{ID: "p1", NoteCount: 9}
	if ok, err := tr.Observe(ctx, post); err != nil || !ok {
		t.Fatalf("first observe: ok=%v err=%v", ok, err)
	}
	if err := tr.MarkSent(ctx, "p1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if !mem.WasSent(ctx, "p1") {
		t.Error("mark sent did not write the fast-path cache")
	}

	// A re-discovered sent post is never eligible again.
	ok, err := tr.Observe(ctx, post)
	if err != nil {
		t.Fatalf("observe after send: %v", err)
	}
	if ok {
		t.Error("sent post reported eligible on re-discovery")
	}

	// With a cold cache the store row still gates, and the cache is
	// backfilled from it.
	coldCache := cache.NewMemory(0)
	cold := NewTracker(store, coldCache, GateConfig{MinNotes: 5}, discardLogger())
	ok, err = cold.Observe(ctx, post)
	if err != nil {
		t.Fatalf("cold observe: %v", err)
	}
	if ok {
		t.Error("sent post reported eligible with a cold cache")
	}
	if !coldCache.WasSent(ctx, "p1") {
		t.Error("cache not backfilled from the sent row")
	}
}

func TestReadyToSend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newTestStore(t)
	tr := NewTracker(store, cache.NewMemory(0), GateConfig{MinNotes: 5, MinAge: time.Hour}, discardLogger())
	tr.now = func() time.Time { return now }

	seed := []model.Post{
		{ID: "old-enough", NoteCount: 9, CreatedAt: past(now, 2 * time.Hour)},
		{ID: "too-young", NoteCount: 9, CreatedAt: past(now, 5 * time.Minute)},
		{ID: "too-few-notes", NoteCount: 2, CreatedAt: past(now, 2 * time.Hour)},
		{ID: "already-sent", NoteCount: 9, CreatedAt: past(now, 2 * time.Hour)},
	}
	for _, p := range seed {
		if _, err := tr.Observe(ctx, p); err != nil {
			t.Fatalf("observe %s: %v", p.ID, err)
		}
	}
	if err := tr.MarkSent(ctx, "already-sent"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	ready, err := tr.ReadyToSend(ctx)
	if err != nil {
		t.Fatalf("ready to send: %v", err)
	}
	if len(ready) != 1 || ready[0].PostID != "old-enough" {
		ids := make([]string, 0, len(ready))
		for _, tp := range ready {
			ids = append(ids, tp.PostID)
		}
		t.Errorf("ready = %v, want [old-enough]", ids)
	}
}

func TestShouldSendMatchesTags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	d := NewDeliveries(store, cache.NewMemory(0), discardLogger())

	post := model.Post{ID: "p1", Tags: []string{"gardening", "flowers"}}

	ok, err := d.ShouldSend(ctx, 100, post, []string{"cooking"})
	if err != nil {
		t.Fatalf("should send: %v", err)
	}
	if ok {
		t.Error("post owed to a chat with no tags in common")
	}

	ok, err = d.ShouldSend(ctx, 100, post, []string{"cooking", "gardening"})
	if err != nil {
		t.Fatalf("should send: %v", err)
	}
	if !ok {
		t.Error("post not owed despite a matching tag")
	}

	// The intent row was recorded with the matched tags.
	del, err := store.GetDelivery(ctx, 100, "p1")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if del.WasSent {
		t.Error("intent row marked sent before delivery")
	}
	if len(del.MatchedTags) != 1 || del.MatchedTags[0] != "gardening" {
		t.Errorf("matched tags = %v, want [gardening]", del.MatchedTags)
	}
}

func TestShouldSendSuppressesDelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mem := cache.NewMemory(0)
	d := NewDeliveries(store, mem, discardLogger())

	post := model.Post{ID: "p1", Tags: []string{"gardening"}}
	tags := []string{"gardening"}

	ok, err := d.ShouldSend(ctx, 100, post, tags)
	if err != nil || !ok {
		t.Fatalf("first check: ok=%v err=%v", ok, err)
	}
	if err := d.MarkSent(ctx, 100, post.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	ok, err = d.ShouldSend(ctx, 100, post, tags)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if ok {
		t.Error("post owed again after delivery")
	}

	// Still suppressed when the cache is cold: the ledger row backs it.
	cold := NewDeliveries(store, cache.NewMemory(0), discardLogger())
	ok, err = cold.ShouldSend(ctx, 100, post, tags)
	if err != nil {
		t.Fatalf("cold cache check: %v", err)
	}
	if ok {
		t.Error("delivered post owed again with a cold cache")
	}

	// Other chats are unaffected.
	ok, err = d.ShouldSend(ctx, 200, post, tags)
	if err != nil {
		t.Fatalf("other chat: %v", err)
	}
	if !ok {
		t.Error("delivery to one chat suppressed another chat")
	}
}

func TestShouldSendPendingIntentStaysOwed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	d := NewDeliveries(store, cache.NewMemory(0), discardLogger())

	post := model.Post{ID: "p1", Tags: []string{"gardening"}}
	tags := []string{"gardening"}

	// Intent recorded but never marked sent, as after a failed send.
	if ok, _ := d.ShouldSend(ctx, 100, post, tags); !ok {
		t.Fatal("first check not owed")
	}
	ok, err := d.ShouldSend(ctx, 100, post, tags)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if !ok {
		t.Error("unfulfilled intent not owed on recheck")
	}
}

func TestCleanupKeepsUnsentWithinRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	store := newTestStore(t)
	tr := NewTracker(store, cache.NewMemory(0), GateConfig{
		MinNotes:        5,
		CleanupAfter:    24 * time.Hour,
		UnsentRetention: 720 * time.Hour,
	}, discardLogger())
	tr.now = func() time.Time { return now }

	if _, err := tr.Observe(ctx, model.Post{ID: "sent", NoteCount: 9}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := tr.Observe(ctx, model.Post{ID: "unsent", NoteCount: 1}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := tr.MarkSent(ctx, "sent"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// Jump past the sent retention but inside the unsent one.
	tr.now = func() time.Time { return now.Add(48 * time.Hour) }
	tr.Cleanup(ctx)

	if _, err := store.GetTrackedPost(ctx, "sent"); err == nil {
		t.Error("sent post survived cleanup past retention")
	}
	if _, err := store.GetTrackedPost(ctx, "unsent"); err != nil {
		t.Errorf("unsent post purged inside retention: %v", err)
	}
}
