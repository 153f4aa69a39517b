// Package breaker implements a three-state circuit breaker for the
// content-source client.
//
// CLOSED: calls pass through, outcomes are counted in a rolling window.
// OPEN: calls short-circuit with ErrOpen, no upstream call is made.
// HALF_OPEN: after a cool-down one trial call is let through; success
// closes the circuit, failure re-opens it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and the call was not attempted.
var ErrOpen = errors.New("circuit open")

// State identifies the breaker state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes a Breaker. Zero values fall back to defaults.
type Config struct {
	// FailureRatio opens the circuit when the share of failures in the
	// rolling window reaches this value. Default 0.5.
	FailureRatio float64
	// Window is the rolling window over which outcomes are counted.
	// Default 1 minute.
	Window time.Duration
	// MinCalls is the minimum number of calls in the window before the
	// ratio is evaluated. Default 4.
	MinCalls int
	// Cooldown is how long the circuit stays open before allowing a
	// trial call. Default 1 minute.
	Cooldown time.Duration
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker guards calls to a single upstream endpoint. It is shared across
// all tags hitting that endpoint and is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	window   []outcome
	openedAt time.Time
	trialing bool

	now func() time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = 4
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(b.now())
	return b.state
}

// Do runs fn unless the circuit is open, in which case it returns ErrOpen
// without calling fn. fn's outcome feeds the rolling failure window.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refreshLocked(now)

	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.trialing {
			return ErrOpen
		}
		b.trialing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == HalfOpen {
		b.trialing = false
		if err != nil {
			b.state = Open
			b.openedAt = now
			return
		}
		b.state = Closed
		b.window = nil
		return
	}

	b.window = append(b.window, outcome{at: now, failed: err != nil})
	b.pruneLocked(now)

	total, failed := 0, 0
	for _, o := range b.window {
		total++
		if o.failed {
			failed++
		}
	}
	if total >= b.cfg.MinCalls && float64(failed)/float64(total) >= b.cfg.FailureRatio {
		b.state = Open
		b.openedAt = now
		b.window = nil
	}
}

// refreshLocked moves an open circuit to half-open once the cool-down expires.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.trialing = false
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	b.window = b.window[i:]
}
