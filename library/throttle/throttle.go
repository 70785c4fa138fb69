// Package throttle implements sliding-window rate limiting shared by the HTTP middleware.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller must wait before the next attempt can succeed.
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key fits inside the window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// MemoryLimiter is an in-process sliding-window limiter for single-instance deployments.
type MemoryLimiter struct {
	sync.Mutex
	hits  map[string][]time.Time
	clock func() time.Time
}

// NewMemoryLimiter create new MemoryLimiter
func NewMemoryLimiter(clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		hits:  make(map[string][]time.Time),
		clock: clock,
	}
}

// Allow records a hit for key if it fits in the window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, errors.Errorf("limit and window must be positive")
	}

	l.Lock()
	defer l.Unlock()

	now := l.clock()
	cutoff := now.Add(-window)
	hits := l.hits[key]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.hits[key] = kept
		return Decision{
			Allowed:    false,
			RetryAfter: kept[0].Add(window).Sub(now),
		}, nil
	}

	kept = append(kept, now)
	l.hits[key] = kept
	return Decision{Allowed: true}, nil
}

// Sweep drops keys whose hits have all expired.
func (l *MemoryLimiter) Sweep(window time.Duration) {
	l.Lock()
	defer l.Unlock()

	cutoff := l.clock().Add(-window)
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *MemoryLimiter) RunSweeper(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(window)
		}
	}
}

// keys returns the number of tracked keys.
func (l *MemoryLimiter) keys() int {
	l.Lock()
	defer l.Unlock()
	return len(l.hits)
}
