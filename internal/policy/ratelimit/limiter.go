// Package ratelimit implements a per-source token bucket used to cap how many
// requests a single site receives per minute.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerMinute is the sustained request rate per key. Zero disables the cap.
	PerMinute float64
	// Burst is the bucket size. Defaults to PerMinute.
	Burst int
}

// Limiter manages one token bucket per key. It never blocks: callers ask how
// long until a token is available and take one when they dispatch.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.PerMinute > 0 {
		limit = rate.Limit(cfg.PerMinute / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.PerMinute)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Delay returns how long after now a token becomes available for key.
func (l *Limiter) Delay(key string, now time.Time) time.Duration {
	if l.limit == rate.Inf {
		return 0
	}
	tokens := l.get(key).TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	missing := 1 - tokens
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// Take consumes a token for key at now and reports whether one was available.
func (l *Limiter) Take(key string, now time.Time) bool {
	if l.limit == rate.Inf {
		return true
	}
	return l.get(key).AllowN(now, 1)
}
