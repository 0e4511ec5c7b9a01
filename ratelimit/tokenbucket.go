package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket refills Limit tokens per Window, allowing bursts of up to Limit
type tokenBucket struct {
	mu     sync.Mutex
	config *Config
	every  rate.Limit

	// buckets maps keys to their token buckets
	buckets map[string]*bucket

	// cleanupInterval is how often to clean up idle buckets
	cleanupInterval time.Duration

	// lastCleanup is the last time cleanup was performed
	lastCleanup time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a new in-memory token bucket rate limiter
func NewTokenBucket(config *Config) Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	every := rate.Inf
	if config.Limit > 0 && config.Window > 0 {
		every = rate.Every(config.Window / time.Duration(config.Limit))
	}

	return &tokenBucket{
		config:          config,
		every:           every,
		buckets:         make(map[string]*bucket),
		cleanupInterval: 5 * time.Minute,
		lastCleanup:     config.now(),
	}
}

// Allow takes one token if available
func (tb *tokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if !tb.config.Enabled {
		return tb.config.unlimited(), nil
	}

	now := tb.config.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if now.Sub(tb.lastCleanup) > tb.cleanupInterval {
		tb.cleanup(now)
	}

	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(tb.every, tb.config.Limit)}
		tb.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)

	d := Decision{
		Allowed:    allowed,
		Limit:      tb.config.Limit,
		Remaining:  max(int(math.Floor(tokens)), 0),
		ResetAfter: tb.untilFull(tokens),
	}
	if !allowed {
		d.RetryAfter = tb.untilTokens(1 - tokens)
	}
	return d, nil
}

// Reset resets the rate limiter for a key
func (tb *tokenBucket) Reset(ctx context.Context, key string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	delete(tb.buckets, key)
	return nil
}

func (tb *tokenBucket) untilFull(tokens float64) time.Duration {
	return tb.untilTokens(float64(tb.config.Limit) - tokens)
}

func (tb *tokenBucket) untilTokens(n float64) time.Duration {
	if n <= 0 || tb.every == rate.Inf || tb.every <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(n / float64(tb.every) * float64(time.Second)))
}

// cleanup removes buckets that have not been used recently. Caller holds mu.
func (tb *tokenBucket) cleanup(now time.Time) {
	threshold := max(2*tb.config.Window, 10*time.Minute)

	for key, b := range tb.buckets {
		if now.Sub(b.lastSeen) > threshold {
			delete(tb.buckets, key)
		}
	}

	tb.lastCleanup = now
}
