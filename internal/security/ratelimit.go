package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows rate operations per second with bursts up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// KeyedLimiter keeps one bucket per key, for example per device ID.
// Buckets idle for longer than ttl are dropped on the next Allow.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*RateLimiter
	rate      float64
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewKeyedLimiter creates a per-key limiter.
func NewKeyedLimiter(rate float64, burst int, ttl time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:  make(map[string]*RateLimiter),
		rate:      rate,
		burst:     burst,
		ttl:       ttl,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow consumes a token from key's bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if k.ttl > 0 && now.Sub(k.lastSweep) > k.ttl {
		for id, l := range k.limiters {
			if now.Sub(l.idleSince()) > k.ttl {
				delete(k.limiters, id)
			}
		}
		k.lastSweep = now
	}
	l, ok := k.limiters[key]
	if !ok {
		l = newRateLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = l
	}
	k.mu.Unlock()

	return l.Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
