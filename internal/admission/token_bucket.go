// Package admission provides token-bucket rate limiting and backpressure
// control for streamgate. It decides whether new load-generating work may
// start, and sheds load probabilistically before hard limits are reached.
package admission

import (
	"sync"
	"time"
)

// TokenBucket is a continuously refilled token bucket. Tokens refill at
// refillRate per second up to capacity; each admitted operation consumes
// one token. The refill and deduction happen in a single critical section
// so concurrent callers can never observe tokens above capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return NewTokenBucketAt(capacity, refillRate, time.Now)
}

// NewTokenBucketAt creates a bucket with an injectable clock. Used in tests.
func NewTokenBucketAt(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// TryAcquire attempts to consume one token. It refills the bucket from the
// elapsed time first, then deducts if at least one token is available.
// On failure the token count is left unchanged.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count after refill. Primarily for
// observability and tests.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// refillLocked adds elapsed*rate tokens capped at capacity.
// Must be called with the mutex held.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
