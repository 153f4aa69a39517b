// Package ratelimit caps the outbound request rate to the content source.
//
// One shared Limiter instance guards every upstream call. It combines two
// token buckets: a spacing bucket that enforces a minimum interval between
// consecutive requests, and a window bucket that caps requests per minute.
// A permit is granted only when both buckets allow it; neither bucket
// hands out tokens ahead of schedule.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a blocking/non-blocking upstream rate limiter.
type Limiter struct {
	mu      sync.Mutex
	spacing *rate.Limiter
	window  *rate.Limiter
}

// New creates a Limiter allowing perMinute requests per minute with at
// least minSpacing between consecutive requests.
func New(perMinute int, minSpacing time.Duration) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	spacing := rate.NewLimiter(rate.Inf, 1)
	if minSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(minSpacing), 1)
	}
	return &Limiter{
		spacing: spacing,
		window:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Acquire blocks until a permit is available or ctx is done. Exceeding
// the cap makes the caller sleep out the remaining window; it never fails
// for lack of permits.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.window.Wait(ctx); err != nil {
		return err
	}
	return l.spacing.Wait(ctx)
}

// TryAcquire reports whether a permit is immediately available, consuming
// it if so. It never blocks.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rw := l.window.Reserve()
	if rw.Delay() > 0 {
		rw.Cancel()
		return false
	}
	rs := l.spacing.Reserve()
	if rs.Delay() > 0 {
		rs.Cancel()
		rw.Cancel()
		return false
	}
	return true
}
