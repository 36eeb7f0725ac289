package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/nareg23/firecrawl/internal/utils"
)

// TimeBasedRateLimiter enforces a minimum time interval between operations
// per key. The drainer uses it to pace promotions of crawls configured with
// a delay, and the worker uses it between fetches of the same crawl.
//
// Thread-safe via internal mutex.
type TimeBasedRateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewTimeBasedRateLimiter creates a new interval-based rate limiter
func NewTimeBasedRateLimiter() *TimeBasedRateLimiter {
	return &TimeBasedRateLimiter{
		last: make(map[string]time.Time),
	}
}

// Ready reports whether the minimum interval has passed since the last
// operation for the key, claiming the slot when it has. Non-blocking; the
// drainer re-parks entries whose crawl is not ready yet.
func (l *TimeBasedRateLimiter) Ready(key string, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := utils.NowUTC()
	if now.Sub(l.last[key]) < minInterval {
		return false
	}
	l.last[key] = now
	return true
}

// Wait blocks until the minimum interval has passed since the last
// operation for the key. If minInterval <= 0, returns immediately.
// Returns error if context is cancelled while waiting.
func (l *TimeBasedRateLimiter) Wait(ctx context.Context, key string, minInterval time.Duration) error {
	if minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := utils.NowUTC()
	last := l.last[key]
	waitFor := minInterval - now.Sub(last)
	if waitFor <= 0 {
		l.last[key] = now
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		l.mu.Lock()
		l.last[key] = utils.NowUTC()
		l.mu.Unlock()
		return nil
	}
}

// Reset clears the tracking for a specific key
func (l *TimeBasedRateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, key)
}

// ResetAll clears all tracking
func (l *TimeBasedRateLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make(map[string]time.Time)
}
