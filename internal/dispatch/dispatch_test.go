package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"tagbot/internal/cache"
	"tagbot/internal/model"
	"tagbot/internal/storage"
	"tagbot/internal/track"
)

type fakeSource struct {
	mu    sync.Mutex
	posts map[string][]model.Post
	calls []string
}

func (f *fakeSource) PostsByTag(_ context.Context, tag string) []model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tag)
	return f.posts[tag]
}

type sentRec struct {
	ChatID int64
	PostID string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentRec
	failOnce map[string]bool
}

func (f *fakeSender) SendPost(_ context.Context, chatID int64, post model.Post) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d:%s", chatID, post.ID)
	if f.failOnce[key] {
		delete(f.failOnce, key)
		return false
	}
	f.sent = append(f.sent, sentRec{ChatID: chatID, PostID: post.ID})
	return true
}

func (f *fakeSender) records() []sentRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRec, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	store  *storage.SQLite
	sched  *Scheduler
	source *fakeSource
	sender *fakeSender
}

func newFixture(t *testing.T, minNotes int64) *fixture {
	t.Helper()

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sentCache := cache.NewMemory(0)
	// The negative recheck interval puts the staleness cutoff in the
	// future, so every unsent post is immediately stale.
	tracker := track.NewTracker(store, sentCache, track.GateConfig{MinNotes: minNotes, RecheckInterval: -time.Minute}, log)
	deliveries := track.NewDeliveries(store, sentCache, log)

	source := &fakeSource{posts: map[string][]model.Post{}}
	sender := &fakeSender{failOnce: map[string]bool{}}

	sched := New(store, source, tracker, deliveries, sender, Config{Workers: 2}, log)
	return &fixture{store: store, sched: sched, source: source, sender: sender}
}

func (f *fixture) subscribe(t *testing.T, chatID int64, tags ...string) {
	t.Helper()
	sub := model.Subscription{ChatID: chatID, Tags: tags, IsActive: true}
	if err := f.store.CreateSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
}

func post(id, tag string, notes int64) model.Post {
	return model.Post{
		ID:        id,
		BlogName:  "blog",
		PostURL:   "https://blog.tumblr.com/post/" + id,
		NoteCount: notes,
		Tags:      []string{tag},
	}
}

func TestDiscoverFansOutByTag(t *testing.T) {
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")
	f.subscribe(t, 2, "cooking")

	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 9)}
	f.source.posts["cooking"] = []model.Post{post("c1", "cooking", 9)}

	f.sched.Discover(context.Background())

	want := []sentRec{
		{ChatID: 1, PostID: "g1"},
		{ChatID: 2, PostID: "c1"},
	}
	got := f.sender.records()
	less := func(a, b sentRec) bool { return a.ChatID < b.ChatID }
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverRunTwiceSendsOnce(t *testing.T) {
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")
	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 9)}

	f.sched.Discover(context.Background())
	f.sched.Discover(context.Background())

	if got := f.sender.records(); len(got) != 1 {
		t.Errorf("sent %d times, want exactly 1: %v", len(got), got)
	}
}

func TestSentPostNotReplayedToLateSubscriber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")
	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 9)}

	f.sched.Discover(ctx)
	if got := f.sender.records(); len(got) != 1 {
		t.Fatalf("sent %d times, want 1", len(got))
	}

	// A chat subscribing after the post went out does not receive it:
	// the global sent flag closes the gate for everyone.
	f.subscribe(t, 2, "gardening")
	f.sched.Discover(ctx)

	if got := f.sender.records(); len(got) != 1 {
		t.Errorf("sent post replayed to a late subscriber: %v", got)
	}
}

func TestDiscoverSkipsInactiveSubscription(t *testing.T) {
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")
	if err := f.store.SetSubscriptionActive(context.Background(), 1, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 9)}

	f.sched.Discover(context.Background())

	if got := f.sender.records(); len(got) != 0 {
		t.Errorf("sent %v to an inactive subscription", got)
	}
	if len(f.source.calls) != 0 {
		t.Errorf("fetched %v with no active subscriptions", f.source.calls)
	}
}

func TestDiscoverDeduplicatesAcrossTags(t *testing.T) {
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening", "flowers")

	shared := model.Post{ID: "g1", NoteCount: 9, Tags: []string{"gardening", "flowers"}}
	f.source.posts["gardening"] = []model.Post{shared}
	f.source.posts["flowers"] = []model.Post{shared}

	f.sched.Discover(context.Background())

	if got := f.sender.records(); len(got) != 1 {
		t.Errorf("sent %d times for one post seen under two tags, want 1: %v", len(got), got)
	}
}

func TestDelayedRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")

	// First sighting is below the threshold: tracked, not sent.
	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 3)}
	f.sched.Discover(ctx)
	if got := f.sender.records(); len(got) != 0 {
		t.Fatalf("sent %v below threshold", got)
	}

	// A release pass with nothing ready is a no-op.
	f.sched.ReleasePending(ctx)
	if got := f.sender.records(); len(got) != 0 {
		t.Fatalf("release sent %v with nothing ready", got)
	}

	// The recheck job observes metric growth on the tracked post.
	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 6)}
	f.sched.RecheckStale(ctx)
	if got := f.sender.records(); len(got) != 0 {
		t.Fatalf("recheck dispatched %v, want tracking update only", got)
	}

	// The next release pass picks it up.
	f.sched.ReleasePending(ctx)
	want := []sentRec{{ChatID: 1, PostID: "g1"}}
	if diff := cmp.Diff(want, f.sender.records()); diff != "" {
		t.Fatalf("sends mismatch (-want +got):\n%s", diff)
	}

	// And the one after that finds nothing left to do.
	f.sched.ReleasePending(ctx)
	if got := f.sender.records(); len(got) != 1 {
		t.Errorf("post released twice: %v", got)
	}
}

func TestFailedSendRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")

	f.source.posts["gardening"] = []model.Post{post("g1", "gardening", 9)}
	f.sender.failOnce["1:g1"] = true

	f.sched.Discover(ctx)
	if got := f.sender.records(); len(got) != 0 {
		t.Fatalf("recorded %v despite send failure", got)
	}

	// The pair stayed unmarked, so the next cycle retries it.
	f.sched.Discover(ctx)
	want := []sentRec{{ChatID: 1, PostID: "g1"}}
	if diff := cmp.Diff(want, f.sender.records()); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedSendDoesNotBlockChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")

	f.source.posts["gardening"] = []model.Post{
		post("g1", "gardening", 9),
		post("g2", "gardening", 9),
	}
	f.sender.failOnce["1:g1"] = true

	f.sched.Discover(ctx)

	want := []sentRec{{ChatID: 1, PostID: "g2"}}
	if diff := cmp.Diff(want, f.sender.records()); diff != "" {
		t.Errorf("sends mismatch (-want +got):\n%s", diff)
	}
}

func TestChainPreservesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.subscribe(t, 1, "gardening")

	f.source.posts["gardening"] = []model.Post{
		post("g1", "gardening", 9),
		post("g2", "gardening", 9),
		post("g3", "gardening", 9),
	}

	f.sched.Discover(ctx)

	want := []sentRec{
		{ChatID: 1, PostID: "g1"},
		{ChatID: 1, PostID: "g2"},
		{ChatID: 1, PostID: "g3"},
	}
	if diff := cmp.Diff(want, f.sender.records()); diff != "" {
		t.Errorf("chain order mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, 5)
	f.sched.cfg.DiscoveryInterval = time.Hour
	f.sched.cfg.ReleaseInterval = time.Hour
	f.sched.cfg.RecheckInterval = time.Hour
	f.sched.cfg.CleanupSchedule = "0 3 * * *"

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.sched.Stop(time.Second)
}

func TestSchedulerStartRejectsBadSpec(t *testing.T) {
	f := newFixture(t, 5)
	f.sched.cfg.DiscoveryInterval = time.Hour
	f.sched.cfg.ReleaseInterval = time.Hour
	f.sched.cfg.RecheckInterval = time.Hour
	f.sched.cfg.CleanupSchedule = "not a cron spec"

	if err := f.sched.Start(context.Background()); err == nil {
		f.sched.Stop(time.Second)
		t.Fatal("start accepted an invalid cleanup schedule")
	}
}
