package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript checks and increments a window counter in one round trip.
// KEYS[1] counter key, ARGV[1] limit, ARGV[2] window in milliseconds.
// Returns {allowed, count, pttl}.
var fixedWindowScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
	return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {1, current, ttl}
`)

// redisFixedWindow shares fixed window counters between gateway instances.
// Window expiry is delegated to the key TTL.
type redisFixedWindow struct {
	client redis.UniversalClient
	prefix string
	config *Config
}

// NewRedisFixedWindow creates a fixed window limiter stored in Redis
func NewRedisFixedWindow(client redis.UniversalClient, prefix string, config *Config) Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &redisFixedWindow{
		client: client,
		prefix: prefix,
		config: config,
	}
}

func (r *redisFixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if !r.config.Enabled {
		return r.config.unlimited(), nil
	}

	limit := r.config.Limit
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, limit, r.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: redis allow: %v", ErrUnavailable, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: redis allow: unexpected reply %v", ErrUnavailable, res)
	}

	resetAfter := time.Duration(res[2]) * time.Millisecond
	if resetAfter < 0 {
		resetAfter = r.config.Window
	}

	if res[0] == 0 {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAfter: resetAfter,
			RetryAfter: resetAfter,
		}, nil
	}

	return Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  max(limit-int(res[1]), 0),
		ResetAfter: resetAfter,
	}, nil
}

func (r *redisFixedWindow) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis reset: %v", ErrUnavailable, err)
	}
	return nil
}
