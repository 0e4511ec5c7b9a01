package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache stores payloads in Redis so every gateway instance shares them.
// Expiry is enforced by Redis itself (SET ... PX), so a key past its TTL is
// simply gone.
type redisCache struct {
	client redis.UniversalClient
	prefix string
	hits   uint64
	misses uint64
}

// NewRedisCache creates a cache backed by Redis. Keys are namespaced with
// prefix so Clear only removes keys owned by this gateway.
func NewRedisCache(client redis.UniversalClient, prefix string) Cache {
	return &redisCache{
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache) key(key string) string {
	return c.prefix + key
}

// Get retrieves a value from Redis
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}

	atomic.AddUint64(&c.hits, 1)
	return value, true, nil
}

// Set stores a value in Redis with a TTL
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a value from Redis
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear removes every key under the cache prefix
func (c *redisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("%w: redis clear: %v", ErrUnavailable, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: redis scan: %v", ErrUnavailable, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("%w: redis clear: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Stats returns hit/miss counters for this instance. Size and item counts
// are not tracked for a shared store.
func (c *redisCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
	}
}
