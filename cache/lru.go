package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// lruCache is an in-process store bounded by item count and payload bytes.
// The front of order is the most recently used entry.
type lruCache struct {
	config *Config

	mu        sync.Mutex
	index     map[string]*list.Element
	order     *list.List
	usedBytes int64

	hits   atomic.Uint64
	misses atomic.Uint64
}

type lruItem struct {
	key   string
	entry Entry
	cost  int64
}

// NewLRUCache creates a new in-process LRU cache. It is not shared between
// instances and suits single-instance deployments.
func NewLRUCache(config *Config) Cache {
	if config == nil {
		config = DefaultConfig()
	}

	return &lruCache{
		config: config,
		index:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

// Get returns a copy of the payload while it is fresh. Expired entries are
// dropped on the way.
func (c *lruCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := c.config.now()

	c.mu.Lock()
	value, ok := c.lookup(key, now)
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return value, true, nil
}

// lookup must be called with mu held
func (c *lruCache) lookup(key string, now time.Time) ([]byte, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}

	item := elem.Value.(*lruItem)
	if !item.entry.Fresh(now) {
		c.unlink(elem)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return clone(item.entry.Value), true
}

// Set stores a copy of value. The last writer wins.
func (c *lruCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.config.Enabled {
		return nil
	}
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}

	item := &lruItem{
		key:   key,
		entry: Entry{Value: clone(value), StoredAt: c.config.now(), TTL: ttl},
		cost:  int64(len(key) + len(value)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.unlink(elem)
	}
	c.index[key] = c.order.PushFront(item)
	c.usedBytes += item.cost
	c.shrink()

	return nil
}

// shrink evicts from the back until both bounds hold. The newest entry is
// always kept, even when it alone exceeds MaxSize.
func (c *lruCache) shrink() {
	for c.order.Len() > 1 && c.overLimit() {
		c.unlink(c.order.Back())
	}
}

func (c *lruCache) overLimit() bool {
	if c.config.MaxItems > 0 && c.order.Len() > c.config.MaxItems {
		return true
	}
	return c.config.MaxSize > 0 && c.usedBytes > c.config.MaxSize
}

func (c *lruCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.unlink(elem)
	}
	return nil
}

func (c *lruCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.index)
	c.order.Init()
	c.usedBytes = 0
	return nil
}

func (c *lruCache) Stats() CacheStats {
	c.mu.Lock()
	items, used := c.order.Len(), c.usedBytes
	c.mu.Unlock()

	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   uint64(used),
		Items:  uint64(items),
	}
}

// unlink must be called with mu held
func (c *lruCache) unlink(elem *list.Element) {
	item := c.order.Remove(elem).(*lruItem)
	delete(c.index, item.key)
	c.usedBytes -= item.cost
}
