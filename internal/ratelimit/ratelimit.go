// Package ratelimit implements a per-caller token bucket rate limiter for
// the HTTP gateway. Thread-safe. No background goroutines — tokens are
// refilled lazily on each Allow call, and idle caller buckets are swept on
// the same path.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	// sweepInterval spaces out the idle-bucket sweeps Allow performs.
	sweepInterval = 10 * time.Minute

	// bucketIdleTTL is how long a bucket may sit untouched before a sweep
	// drops it. Far longer than any refill time, so a pruned caller comes
	// back to the same full bucket it would have refilled to anyway.
	bucketIdleTTL = time.Hour
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-caller token bucket rate limiter. Each caller (API key or
// client address) gets an independent bucket; one caller cannot exhaust
// another's quota.
type Limiter struct {
	mu        sync.Mutex
	callers   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		callers:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastSweep: time.Now(),
	}
}

// Allow checks whether the caller has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(caller string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) >= sweepInterval {
		l.pruneLocked(now.Add(-bucketIdleTTL))
		l.lastSweep = now
	}

	b, ok := l.callers[caller]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.callers[caller] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets idle longer than maxIdle to bound memory on gateways
// with many transient callers. Returns the number of buckets removed. Allow
// already sweeps periodically; Prune is for callers that want an immediate
// pass with their own TTL.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(time.Now().Add(-maxIdle))
}

// pruneLocked removes buckets last touched before cutoff. Caller holds l.mu.
func (l *Limiter) pruneLocked(cutoff time.Time) int {
	removed := 0
	for caller, b := range l.callers {
		if b.lastFill.Before(cutoff) {
			delete(l.callers, caller)
			removed++
		}
	}
	return removed
}
