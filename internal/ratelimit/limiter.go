// Package ratelimit paces calls to a single provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter enforces a maximum number of in-flight calls and a minimum interval
// between successive call starts. Acquire suspends the caller instead of
// rejecting, until ctx is done.
type Limiter struct {
	sem      *semaphore.Weighted
	pacer    *rate.Limiter
	interval time.Duration
	max      int
	inFlight atomic.Int64
}

// New creates a limiter. concurrency <= 0 disables the in-flight bound and
// interval <= 0 disables pacing.
func New(concurrency int, interval time.Duration) *Limiter {
	l := &Limiter{interval: interval, max: concurrency}
	if concurrency > 0 {
		l.sem = semaphore.NewWeighted(int64(concurrency))
	}
	if interval > 0 {
		// Burst 1: a start is only admitted once a full interval has passed since
		// the previous admitted start.
		l.pacer = rate.NewLimiter(rate.Every(interval), 1)
	}
	return l
}

// Acquire blocks until a call may start. The returned release must be called
// exactly once when the call finishes.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for concurrency slot: %w", err)
		}
	}
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			if l.sem != nil {
				l.sem.Release(1)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("waiting for interval: %w", ctxErr)
			}
			// Wait refuses up front when the reservation would outlive the deadline.
			return nil, fmt.Errorf("waiting for interval: %w", context.DeadlineExceeded)
		}
	}

	l.inFlight.Add(1)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.inFlight.Add(-1)
		if l.sem != nil {
			l.sem.Release(1)
		}
	}, nil
}

// InFlight returns the number of acquired, unreleased slots.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Interval returns the configured minimum spacing between call starts.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Concurrency returns the configured in-flight bound (0 means unbounded).
func (l *Limiter) Concurrency() int {
	return l.max
}
