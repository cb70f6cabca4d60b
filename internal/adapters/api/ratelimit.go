package api

import (
	"math"
	"sync"
	"time"
)

const bucketIdleTimeout = 10 * time.Minute

// rateLimiter keeps one token bucket per client key. Idle buckets are swept
// lazily from Allow so no background goroutine is needed.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// take refills the bucket up to burst and consumes one token if available.
// On refusal it returns how long until a token is due.
func (b *bucket) take(now time.Time, rate, burst float64) (bool, time.Duration) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.last).Seconds()*rate)
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rate <= 0 {
		return false, bucketIdleTimeout
	}
	return false, time.Duration((1 - b.tokens) / rate * float64(time.Second))
}

func newRateLimiter(rate float64, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:   make(map[string]*bucket),
		rate:      rate,
		burst:     float64(burst),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether client may proceed now.
func (rl *rateLimiter) Allow(client string) bool {
	ok, _ := rl.Reserve(client)
	return ok
}

// Reserve is Allow plus the wait until the next token when refused.
func (rl *rateLimiter) Reserve(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > bucketIdleTimeout {
		rl.sweepLocked(now)
	}

	b, ok := rl.buckets[client]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[client] = b
	}
	return b.take(now, rl.rate, rl.burst)
}

// Cleanup drops buckets idle for longer than bucketIdleTimeout.
func (rl *rateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(rl.now())
}

func (rl *rateLimiter) sweepLocked(now time.Time) {
	rl.lastSweep = now
	for client, b := range rl.buckets {
		if now.Sub(b.last) > bucketIdleTimeout {
			delete(rl.buckets, client)
		}
	}
}
