// Package ratelimit implements fixed-window quotas keyed by caller identity.
// Counters live behind a CounterStore so a single instance can keep them in
// memory while several instances share them through Postgres.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Counter is the state of one key's current window.
type Counter struct {
	Key         string
	Count       int
	WindowStart time.Time
	ResetAt     time.Time
}

// CounterStore atomically records one hit for key and returns the counter
// after the hit. A window that has elapsed restarts at count 1. Once Count
// exceeds limit, further hits in the same window leave it unchanged.
type CounterStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Degraded marks an allow granted because the counter backend failed.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter is the time until the window resets, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

// Limiter checks quotas against a CounterStore.
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records a hit for key and reports whether it fits within limit for
// the current window. It never fails: when the backend errors the call is
// allowed, flagged Degraded, and logged for audit. A non-positive limit
// disables the quota.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := l.now()
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now}
	}

	c, err := l.store.Hit(ctx, key, limit, window, now)
	if err != nil {
		zap.L().Warn("ratelimit: counter backend unavailable, allowing request",
			zap.String("key", key),
			zap.Bool("rate_limit_degraded", true),
			zap.Error(err),
		)
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(window),
			Degraded:  true,
		}
	}

	return Decision{
		Allowed:   c.Count <= limit,
		Limit:     limit,
		Count:     c.Count,
		Remaining: max(limit-c.Count, 0),
		ResetAt:   c.ResetAt,
	}
}
