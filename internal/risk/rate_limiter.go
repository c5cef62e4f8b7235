package risk

import (
	"sync"
	"time"
)

// RateLimiterConfig bounds order admission per venue+symbol
type RateLimiterConfig struct {
	Enabled       bool    `json:"enabled"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         float64 `json:"burst"`
}

// DefaultRateLimiterConfig allows 5 orders/sec with a burst of 10
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:       true,
		RatePerSecond: 5,
		Burst:         10,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter is a token bucket keyed by venue+symbol. Buckets fill lazily
// on access, so idle symbols cost nothing.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	nowFn   func() time.Time
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		nowFn:   time.Now,
	}
}

// Allow consumes one token for venue+symbol, reporting false when empty
func (rl *RateLimiter) Allow(venue, symbol string) bool {
	if !rl.config.Enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	key := venue + ":" + symbol
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.config.Burst, last: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * rl.config.RatePerSecond
	if b.tokens > rl.config.Burst {
		b.tokens = rl.config.Burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Stats returns per-key remaining tokens
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := make(map[string]float64, len(rl.buckets))
	for k, b := range rl.buckets {
		remaining[k] = b.tokens
	}
	return map[string]interface{}{
		"enabled":         rl.config.Enabled,
		"rate_per_second": rl.config.RatePerSecond,
		"burst":           rl.config.Burst,
		"tokens":          remaining,
	}
}
