package admission

import (
	"sync"
	"time"
)

// LimiterConfig holds token bucket parameters for both scopes.
type LimiterConfig struct {
	// GlobalRate and GlobalBurst configure the single system-wide bucket.
	GlobalRate  float64
	GlobalBurst float64
	// ClientRate and ClientBurst configure the lazily created per-client
	// buckets used for fairness between clients.
	ClientRate  float64
	ClientBurst float64
}

// clientBucket pairs a bucket with its last-use time for cleanup.
type clientBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// Limiter combines a global token bucket with per-client buckets.
// A request is admitted only if it passes both scopes.
type Limiter struct {
	config LimiterConfig
	global *TokenBucket
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientBucket
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(config LimiterConfig) *Limiter {
	return NewLimiterAt(config, time.Now)
}

// NewLimiterAt creates a limiter with an injectable clock. Used in tests.
func NewLimiterAt(config LimiterConfig, now func() time.Time) *Limiter {
	return &Limiter{
		config:  config,
		global:  NewTokenBucketAt(config.GlobalBurst, config.GlobalRate, now),
		now:     now,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether one operation for clientID may proceed.
// The global bucket is consulted first; a global denial costs the client
// bucket nothing.
func (l *Limiter) Allow(clientID string) bool {
	if !l.global.TryAcquire() {
		return false
	}
	return l.clientFor(clientID).TryAcquire()
}

// clientFor returns or creates the bucket for the given client.
func (l *Limiter) clientFor(clientID string) *TokenBucket {
	now := l.now()

	l.mu.RLock()
	cb, ok := l.clients[clientID]
	l.mu.RUnlock()

	if ok {
		l.mu.Lock()
		cb.lastUsed = now
		l.mu.Unlock()
		return cb.bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := l.clients[clientID]; ok {
		cb.lastUsed = now
		return cb.bucket
	}

	cb = &clientBucket{
		bucket:   NewTokenBucketAt(l.config.ClientBurst, l.config.ClientRate, l.now),
		lastUsed: now,
	}
	l.clients[clientID] = cb
	return cb.bucket
}

// Cleanup removes per-client buckets that have been idle longer than
// maxIdle and returns the number removed. Idle buckets are fully refilled
// anyway, so dropping them loses no state.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, cb := range l.clients {
		if cb.lastUsed.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// ClientCount returns the number of tracked per-client buckets.
func (l *Limiter) ClientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
