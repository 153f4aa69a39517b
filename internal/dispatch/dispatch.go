// Package dispatch runs the periodic discovery, release, recheck and
// cleanup jobs, and fans qualifying posts out to subscribers with
// bounded concurrency.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tagbot/internal/model"
	"tagbot/internal/storage"
	"tagbot/internal/track"
)

// Source fetches candidate posts for a tag. Failures surface as an
// empty list; they never abort a cycle.
type Source interface {
	PostsByTag(ctx context.Context, tag string) []model.Post
}

// Sender delivers one post to one chat, reporting success. Retry and
// degraded fallback live behind this boundary.
type Sender interface {
	SendPost(ctx context.Context, chatID int64, post model.Post) bool
}

// Config tunes the scheduler's jobs and dispatch pacing.
type Config struct {
	DiscoveryInterval time.Duration
	ReleaseInterval   time.Duration
	RecheckInterval   time.Duration
	CleanupSchedule   string // cron spec

	RunTimeout        time.Duration // per-job ceiling
	ItemDelay         time.Duration // between posts in one chat's chain
	RecipientDelay    time.Duration // between starting successive chains
	Workers           int           // concurrent chat chains
	DeliveryRetention time.Duration
}

// Scheduler orchestrates the discovery-qualification-delivery pipeline.
type Scheduler struct {
	store      storage.Storage
	source     Source
	tracker    *track.Tracker
	deliveries *track.Deliveries
	sender     Sender
	cfg        Config
	log        *slog.Logger

	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a Scheduler. Start must be called to begin scheduling.
func New(store storage.Storage, source Source, tracker *track.Tracker, deliveries *track.Deliveries, sender Sender, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Minute
	}
	return &Scheduler{
		store:      store,
		source:     source,
		tracker:    tracker,
		deliveries: deliveries,
		sender:     sender,
		cfg:        cfg,
		log:        log,
	}
}

// Start registers the four jobs and begins scheduling. Each job skips a
// tick while its previous run is still active, so two runs of the same
// job never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	clog := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(clog)))

	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{fmt.Sprintf("@every %s", s.cfg.DiscoveryInterval), "discovery", s.Discover},
		{fmt.Sprintf("@every %s", s.cfg.ReleaseInterval), "release", s.ReleasePending},
		{fmt.Sprintf("@every %s", s.cfg.RecheckInterval), "recheck", s.RecheckStale},
		{s.cfg.CleanupSchedule, "cleanup", s.Cleanup},
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.runJob(j.name, j.fn) }); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		"discovery", s.cfg.DiscoveryInterval,
		"release", s.cfg.ReleaseInterval,
		"recheck", s.cfg.RecheckInterval,
		"cleanup", s.cfg.CleanupSchedule,
	)
	return nil
}

// Stop stops scheduling new runs and waits for in-flight jobs to drain,
// up to the grace period.
func (s *Scheduler) Stop(grace time.Duration) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.log.Info("scheduler drained")
	case <-time.After(grace):
		s.log.Warn("scheduler stop timed out", "grace", grace)
	}
}

// runJob isolates one job run: its own timeout, and any panic is logged
// instead of taking down the other jobs.
func (s *Scheduler) runJob(name string, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RunTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", name, "panic", r)
		}
	}()

	start := time.Now()
	fn(ctx)
	if err := ctx.Err(); err != nil {
		s.log.Warn("job ended early", "job", name, "elapsed", time.Since(start), "reason", err)
		return
	}
	s.log.Debug("job finished", "job", name, "elapsed", time.Since(start))
}

// Discover fetches posts for the union of all subscribed tags, runs the
// qualification gate, and dispatches eligible posts to matching chats.
func (s *Scheduler) Discover(ctx context.Context) {
	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		s.log.Error("list subscriptions", "error", err)
		return
	}
	tags := unionTags(subs)
	if len(tags) == 0 {
		s.log.Debug("no subscribed tags, discovery skipped")
		return
	}

	// De-duplicate by post ID across tags, keeping discovery order.
	var posts []model.Post
	seen := make(map[string]bool)
	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		for _, post := range s.source.PostsByTag(ctx, tag) {
			if post.ID == "" {
				s.log.Warn("discovered post without id", "tag", tag)
				continue
			}
			if seen[post.ID] {
				continue
			}
			seen[post.ID] = true
			posts = append(posts, post)
		}
	}
	s.log.Info("discovery fetched", "tags", len(tags), "posts", len(posts))

	var eligible []model.Post
	for _, post := range posts {
		ok, err := s.tracker.Observe(ctx, post)
		if err != nil {
			s.log.Error("observe post", "post_id", post.ID, "error", err)
			continue
		}
		if ok {
			eligible = append(eligible, post)
		}
	}
	if len(eligible) == 0 {
		return
	}

	s.dispatch(ctx, s.buildQueues(ctx, subs, eligible))
}

// ReleasePending re-examines tracked posts that crossed the threshold
// after discovery and dispatches them against the subscribers' current
// tag sets.
func (s *Scheduler) ReleasePending(ctx context.Context) {
	ready, err := s.tracker.ReadyToSend(ctx)
	if err != nil {
		s.log.Error("find posts ready to send", "error", err)
		return
	}
	if len(ready) == 0 {
		return
	}
	s.log.Info("releasing delayed posts", "count", len(ready))

	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		s.log.Error("list subscriptions", "error", err)
		return
	}

	posts := make([]model.Post, 0, len(ready))
	for _, tp := range ready {
		posts = append(posts, tp.AsPost())
	}
	s.dispatch(ctx, s.buildQueues(ctx, subs, posts))
}

// RecheckStale refreshes the metrics of unsent posts that have not been
// checked recently. It only updates tracked state; the release job picks
// up anything that became eligible.
func (s *Scheduler) RecheckStale(ctx context.Context) {
	stale, err := s.tracker.StaleForRecheck(ctx)
	if err != nil {
		s.log.Error("find stale posts", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	tagSet := make(map[string]bool)
	var tags []string
	for _, tp := range stale {
		for _, tag := range tp.Tags {
			if !tagSet[tag] {
				tagSet[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	s.log.Info("rechecking stale posts", "posts", len(stale), "tags", len(tags))

	for _, tag := range tags {
		if ctx.Err() != nil {
			return
		}
		for _, post := range s.source.PostsByTag(ctx, tag) {
			if post.ID == "" {
				continue
			}
			if _, err := s.tracker.Observe(ctx, post); err != nil {
				s.log.Error("recheck post", "post_id", post.ID, "error", err)
			}
		}
	}
}

// Cleanup purges both stores past their retention windows.
func (s *Scheduler) Cleanup(ctx context.Context) {
	s.tracker.Cleanup(ctx)
	s.deliveries.Cleanup(ctx, s.cfg.DeliveryRetention)
}

// buildQueues groups deliverable posts per chat, preserving the posts'
// discovery order within each chat's queue.
func (s *Scheduler) buildQueues(ctx context.Context, subs []model.Subscription, posts []model.Post) map[int64][]model.Post {
	queues := make(map[int64][]model.Post)
	for _, post := range posts {
		for _, sub := range subs {
			ok, err := s.deliveries.ShouldSend(ctx, sub.ChatID, post, sub.Tags)
			if err != nil {
				s.log.Error("check delivery", "chat_id", sub.ChatID, "post_id", post.ID, "error", err)
				continue
			}
			if ok {
				queues[sub.ChatID] = append(queues[sub.ChatID], post)
			}
		}
	}
	return queues
}

// dispatch drains the per-chat queues. Each chat gets an independent
// sequential chain; chains run on a bounded pool, with a stagger between
// starting successive chains. A failed send leaves the pair unmarked so
// it is retried on a later cycle; the chain moves on to the next post.
func (s *Scheduler) dispatch(ctx context.Context, queues map[int64][]model.Post) {
	if len(queues) == 0 {
		return
	}

	chatIDs := make([]int64, 0, len(queues))
	for chatID := range queues {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, chatID := range chatIDs {
		if ctx.Err() != nil {
			s.log.Warn("dispatch cut short", "remaining_chats", len(chatIDs)-i)
			break
		}
		if i > 0 {
			sleepCtx(ctx, s.cfg.RecipientDelay)
		}
		chatID := chatID
		queue := queues[chatID]
		g.Go(func() error {
			s.sendChain(ctx, chatID, queue)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) sendChain(ctx context.Context, chatID int64, queue []model.Post) {
	sent := 0
	for i, post := range queue {
		if ctx.Err() != nil {
			s.log.Warn("send chain cut short", "chat_id", chatID, "remaining", len(queue)-i)
			return
		}
		if i > 0 {
			sleepCtx(ctx, s.cfg.ItemDelay)
		}

		if !s.sender.SendPost(ctx, chatID, post) {
			// Unmarked on purpose: the pair is retried next cycle.
			s.log.Warn("send failed", "chat_id", chatID, "post_id", post.ID)
			continue
		}

		if err := s.deliveries.MarkSent(ctx, chatID, post.ID); err != nil {
			s.log.Error("mark delivered", "chat_id", chatID, "post_id", post.ID, "error", err)
		}
		if err := s.tracker.MarkSent(ctx, post.ID); err != nil {
			s.log.Error("mark post sent", "post_id", post.ID, "error", err)
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("sent posts", "chat_id", chatID, "count", sent)
	}
}

func unionTags(subs []model.Subscription) []string {
	var all []string
	for _, sub := range subs {
		all = append(all, sub.Tags...)
	}
	return model.NormalizeTags(all)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error(msg, append(kv, "error", err)...)
}
