package ratelimit

import (
	"context"
	"sync"
	"time"
)

// fixedWindow implements the fixed window counter in process memory
type fixedWindow struct {
	mu     sync.Mutex
	config *Config

	// buckets maps keys to their current window
	buckets map[string]*window

	// sweepInterval is how often idle buckets are dropped
	sweepInterval time.Duration

	// lastSweep is the last time idle buckets were dropped
	lastSweep time.Time
}

// window represents a single client's counter
type window struct {
	start time.Time
	count int
}

// NewFixedWindow creates an in-memory fixed window limiter
func NewFixedWindow(config *Config) Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	return &fixedWindow{
		config:        config,
		buckets:       make(map[string]*window),
		sweepInterval: max(config.Window, time.Minute),
		lastSweep:     config.now(),
	}
}

// Allow checks and records one request atomically
func (fw *fixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if !fw.config.Enabled {
		return fw.config.unlimited(), nil
	}

	now := fw.config.now()
	limit := fw.config.Limit

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if now.Sub(fw.lastSweep) >= fw.sweepInterval {
		fw.sweep(now)
	}

	w, exists := fw.buckets[key]
	if !exists || now.Sub(w.start) >= fw.config.Window {
		w = &window{start: now}
		fw.buckets[key] = w
	}

	resetAfter := w.start.Add(fw.config.Window).Sub(now)
	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAfter: resetAfter,
			RetryAfter: resetAfter,
		}, nil
	}

	w.count++
	return Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit - w.count,
		ResetAfter: resetAfter,
	}, nil
}

// Reset resets the window for a key
func (fw *fixedWindow) Reset(ctx context.Context, key string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	delete(fw.buckets, key)
	return nil
}

// sweep removes buckets whose window has ended. Caller holds mu.
func (fw *fixedWindow) sweep(now time.Time) {
	for key, w := range fw.buckets {
		if now.Sub(w.start) >= fw.config.Window {
			delete(fw.buckets, key)
		}
	}
	fw.lastSweep = now
}

// size reports the number of tracked buckets
func (fw *fixedWindow) size() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.buckets)
}
