package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryConfig tunes ExponentialRetryPolicy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// ExponentialRetryPolicy decides whether a failed fetch is retried and how far
// its next-eligible time is pushed.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
}

// NewExponentialRetryPolicy builds a policy, filling zero values with sane
// defaults.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		factor:      cfg.Factor,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = time.Second
	}
	if p.maxDelay <= 0 {
		p.maxDelay = time.Minute
	}
	if p.factor < 1 {
		p.factor = 2
	}
	return p
}

// MaxAttempts reports the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether a task that just failed its attempt-th try
// (1-based) gets another one.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if ClassifyFetch(err) != FailureTransient {
		return false
	}
	return attempt < p.maxAttempts
}

// Backoff returns the wait before the next attempt. Half of the delay is
// fixed, the other half is jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
