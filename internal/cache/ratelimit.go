package cache

import (
	"context"
	"time"
)

// RateLimiter enforces "at most 1 write / setpoint-field / second" (or
// whatever rate the caller configures) using a last-write-time TTL key per
// field, rather than a capacity-refill token bucket: a setpoint field is
// either within its cooldown or it isn't, there is no burst credit to save
// up between edits.
type RateLimiter struct {
	cache *Cache
}

// NewRateLimiter wraps a Cache for per-field write gating.
func NewRateLimiter(c *Cache) *RateLimiter {
	return &RateLimiter{cache: c}
}

// Allow reports whether a write to (zone, field) is permitted right now
// given maxPerSecond, and if so records the write time so the next call
// within the cooldown window is rejected.
func (r *RateLimiter) Allow(ctx context.Context, zone, field string, maxPerSecond float64) (bool, error) {
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	cooldown := time.Duration(float64(time.Second) / maxPerSecond)
	ttl := TTLRateLimit
	if cooldown > ttl {
		ttl = cooldown
	}

	key := RateLimitKey(zone, field)
	ok, err := r.cache.Text.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// Key already exists: check whether enough time has elapsed since the
	// recorded last-write to allow this one through anyway.
	lastMs, err := r.cache.Text.Get(ctx, key).Int64()
	if err != nil {
		return false, err
	}
	last := time.UnixMilli(lastMs)
	if time.Since(last) < cooldown {
		return false, nil
	}
	if err := r.cache.Text.Set(ctx, key, time.Now().UnixMilli(), ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}
