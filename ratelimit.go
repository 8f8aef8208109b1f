package bridgekeeper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig tunes a keyed rate limiter.
type LimiterConfig struct {
	Rate          float64       // tokens per second (default 1)
	Burst         int           // bucket size (default 5)
	HighWater     int           // max waiters per key before rejecting (default 32)
	IdleAfter     time.Duration // evict idle buckets (default 10m)
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.HighWater <= 0 {
		c.HighWater = 32
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 10 * time.Minute
	}
	return c
}

type bucket struct {
	lim     *rate.Limiter
	waiters int
	lastUse time.Time
}

// KeyedLimiter is a token bucket per key (chat target, webhook source).
// Waiting is bounded: once HighWater callers are already queued on a key,
// further calls fail fast with BACKPRESSURE instead of growing the queue.
type KeyedLimiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	buckets map[string]*bucket
	sweep   time.Time
}

// NewKeyedLimiter creates a limiter with per-key token buckets.
func NewKeyedLimiter(cfg LimiterConfig) *KeyedLimiter {
	return &KeyedLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		sweep:   time.Now(),
	}
}

func (k *KeyedLimiter) get(key string) *bucket {
	now := time.Now()
	if now.Sub(k.sweep) > k.cfg.IdleAfter {
		for key, b := range k.buckets {
			if b.waiters == 0 && now.Sub(b.lastUse) > k.cfg.IdleAfter {
				delete(k.buckets, key)
			}
		}
		k.sweep = now
	}
	b := k.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(k.cfg.Rate), k.cfg.Burst)}
		k.buckets[key] = b
	}
	b.lastUse = now
	return b
}

// Allow reports whether one token is immediately available for key.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	b := k.get(key)
	k.mu.Unlock()
	return b.lim.Allow()
}

// Wait blocks until a token is available, the context ends, or the key's
// waiter queue is already at the high-water mark.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	k.mu.Lock()
	b := k.get(key)
	if b.waiters >= k.cfg.HighWater {
		k.mu.Unlock()
		return Errf(CodeBackpressure, "rate limit queue full for %q (%d waiting)", key, k.cfg.HighWater).
			Severe(SeverityHigh).
			WithOperation("ratelimit", "wait").
			WithMeta("key", key)
	}
	b.waiters++
	k.mu.Unlock()

	err := b.lim.Wait(ctx)

	k.mu.Lock()
	b.waiters--
	k.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Errf(CodeRateLimited, "rate limit wait for %q: %v", key, err).
			Transient(0).
			WithOperation("ratelimit", "wait")
	}
	return nil
}

// Waiting returns the current queue depth for key.
func (k *KeyedLimiter) Waiting(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b := k.buckets[key]; b != nil {
		return b.waiters
	}
	return 0
}

// Keys returns the number of live buckets; used by the memory monitor's
// rate_limiter area sampler.
func (k *KeyedLimiter) Keys() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
