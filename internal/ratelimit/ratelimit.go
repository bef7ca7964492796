// Package ratelimit implements the token-bucket limiters spec.md §4.2
// requires: one per connection, and optionally a second one keyed by
// authenticated username. Grounded on dd0wney-graphdb's
// pkg/api/middleware/ratelimit.go, stripped of its HTTP framing and
// client-eviction machinery — a connection's bucket lives exactly as long
// as the connection does, and per-user buckets are few enough (one per
// credential) that no expiry sweep is needed.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: capacity burst, refilled at
// ratePerSecond tokens per second.
type Bucket struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket returns a bucket that starts full.
func NewBucket(ratePerSecond float64, burst int) *Bucket {
	return &Bucket{
		rate:       ratePerSecond,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow reports whether one token is available and, if so, consumes it.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// PerUser tracks one Bucket per authenticated username. Unlike the
// teacher's map-of-clients, this is never swept: the credential table
// bounds cardinality, so a bucket per known user is cheap to keep forever.
type PerUser struct {
	rate  float64
	burst int

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewPerUser returns a per-user limiter using the given rate and burst for
// every username's bucket.
func NewPerUser(ratePerSecond float64, burst int) *PerUser {
	return &PerUser{
		rate:    ratePerSecond,
		burst:   burst,
		buckets: make(map[string]*Bucket),
	}
}

// Allow consumes one token from user's bucket, creating it on first use.
func (p *PerUser) Allow(user string) bool {
	p.mu.Lock()
	b, ok := p.buckets[user]
	if !ok {
		b = NewBucket(p.rate, p.burst)
		p.buckets[user] = b
	}
	p.mu.Unlock()
	return b.Allow()
}
