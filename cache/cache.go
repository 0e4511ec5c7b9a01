package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures talking to an external cache store
var ErrUnavailable = errors.New("cache store unavailable")

// Cache is the interface for provider payload caching.
//
// Get returns (value, true, nil) on a fresh hit and (nil, false, nil) on a miss
// or an expired entry. A non-nil error means the store could not be reached;
// callers must treat it as a miss, never as an empty payload.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with a TTL, replacing any existing entry.
	// A ttl <= 0 stores nothing and removes the key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Clear drops every entry owned by this store
	Clear(ctx context.Context) error

	Stats() CacheStats
}

// CacheStats are counters since start. Size is in payload bytes and Items
// may include expired entries not yet swept; stores that cannot count
// report zero.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   uint64
	Items  uint64
}

// Config tunes the memory store. Remote stores only read Enabled and Now.
type Config struct {
	// MaxSize bounds key plus payload bytes; 0 is unbounded
	MaxSize int64
	// MaxItems bounds the entry count; 0 is unbounded
	MaxItems int

	Enabled bool

	// Now is the expiry clock, time.Now when nil
	Now func() time.Time
}

// DefaultConfig bounds the memory store at 10000 entries or 100MB
func DefaultConfig() *Config {
	return &Config{
		MaxSize:  100 * 1024 * 1024, // 100MB
		MaxItems: 10000,
		Enabled:  true,
		Now:      time.Now,
	}
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Entry is a stored payload with its freshness metadata
type Entry struct {
	Value    []byte
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry may still be served at now
func (e *Entry) Fresh(now time.Time) bool {
	return e.TTL > 0 && now.Before(e.StoredAt.Add(e.TTL))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
