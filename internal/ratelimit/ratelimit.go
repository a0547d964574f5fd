// Package ratelimit provides in-memory token bucket rate limiting.
//
// Buckets are scoped per (rule, key) pair so each endpoint class gets an
// independent budget per caller. A Redis-backed implementation can replace
// this for cross-instance coordination; the Limiter surface is the contract.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Rule names an endpoint class and its budget.
type Rule struct {
	Name  string  // bucket namespace, e.g. "ingest", "query", "auth"
	RPS   float64 // sustained tokens per second per key
	Burst int     // bucket capacity
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int       // bucket capacity for this rule
	Remaining int       // whole tokens left after this request
	ResetAt   time.Time // when the bucket will be full again
}

// FormatHeaders renders the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     fmt.Sprintf("%d", r.Limit),
		"X-RateLimit-Remaining": fmt.Sprintf("%d", r.Remaining),
		"X-RateLimit-Reset":     fmt.Sprintf("%d", r.ResetAt.Unix()),
	}
}

// bucket is a single token bucket for one (rule, key) pair.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// Limiter implements per-key token buckets in process memory.
//
// A background goroutine evicts entries not accessed in the last 10 minutes
// to bound memory. Call Close to stop it. A nil *Limiter is valid and
// permits every request (rate limiting disabled).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Limiter and starts its eviction goroutine.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow consumes one token from the bucket for (rule, key). The key is
// opaque; callers construct it (e.g. "agent:<id>" or a client IP).
func (l *Limiter) Allow(_ context.Context, rule Rule, key string) Result {
	if l == nil || rule.RPS <= 0 || rule.Burst <= 0 {
		return Result{Allowed: true, Limit: rule.Burst, Remaining: rule.Burst, ResetAt: time.Now()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	burst := float64(rule.Burst)
	bkey := rule.Name + ":" + key

	b, ok := l.buckets[bkey]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		b = &bucket{tokens: burst - 1, lastAccess: now}
		l.buckets[bkey] = b
		return result(rule, b, now, true)
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * rule.RPS
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return result(rule, b, now, false)
	}
	b.tokens--
	return result(rule, b, now, true)
}

// result snapshots headers state for a bucket. Caller holds l.mu.
func result(rule Rule, b *bucket, now time.Time, allowed bool) Result {
	remaining := int(math.Floor(b.tokens))
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(rule.Burst) - b.tokens
	refillSecs := missing / rule.RPS
	return Result{
		Allowed:   allowed,
		Limit:     rule.Burst,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(refillSecs * float64(time.Second))),
	}
}

// Close stops the eviction goroutine. Safe to call multiple times and on nil.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
