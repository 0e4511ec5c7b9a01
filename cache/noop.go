package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// NoOpCache is a no-op cache implementation used when caching is disabled
type NoOpCache struct {
	misses uint64
}

// NewNoOpCache creates a cache that never stores anything
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (n *NoOpCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	atomic.AddUint64(&n.misses, 1)
	return nil, false, nil
}

func (n *NoOpCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (n *NoOpCache) Delete(ctx context.Context, key string) error {
	return nil
}

func (n *NoOpCache) Clear(ctx context.Context) error {
	return nil
}

func (n *NoOpCache) Stats() CacheStats {
	return CacheStats{Misses: atomic.LoadUint64(&n.misses)}
}

var _ Cache = (*NoOpCache)(nil)
