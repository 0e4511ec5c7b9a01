package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/deeplooplabs/weather-gateway/database"
)

const sqlCacheTable = "weather_cache_entries"

// SQLCache stores payloads in a PostgreSQL or SQLite table. Expiry is
// evaluated against the configured clock on read; PurgeExpired removes dead
// rows physically.
type SQLCache struct {
	db      *sql.DB
	dialect database.Dialect
	config  *Config
	hits    uint64
	misses  uint64
}

// NewSQLCache creates a cache backed by db
func NewSQLCache(db *sql.DB, dialect database.Dialect, config *Config) *SQLCache {
	if config == nil {
		config = DefaultConfig()
	}
	return &SQLCache{
		db:      db,
		dialect: dialect,
		config:  config,
	}
}

// EnsureSchema creates the cache table when it does not exist
func (c *SQLCache) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	cache_key  TEXT PRIMARY KEY,
	payload    %s NOT NULL,
	stored_at  BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
)`, sqlCacheTable, c.dialect.BlobType())
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", sqlCacheTable, err)
	}
	return nil
}

// Get retrieves a fresh value from the table
func (c *SQLCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := c.dialect.Rebind(`SELECT payload, expires_at FROM ` + sqlCacheTable + ` WHERE cache_key = ?`)

	var payload []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx, query, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, fmt.Errorf("%w: sql get: %v", ErrUnavailable, err)
	}

	if !c.config.now().Before(time.Unix(0, expiresAt)) {
		atomic.AddUint64(&c.misses, 1)
		return nil, false, nil
	}

	atomic.AddUint64(&c.hits, 1)
	return payload, true, nil
}

// Set upserts a value with a TTL
func (c *SQLCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}

	now := c.config.now()
	query := c.dialect.Rebind(`INSERT INTO ` + sqlCacheTable + ` (cache_key, payload, stored_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET
	payload = excluded.payload,
	stored_at = excluded.stored_at,
	expires_at = excluded.expires_at`)

	if _, err := c.db.ExecContext(ctx, query, key, value, now.UnixNano(), now.Add(ttl).UnixNano()); err != nil {
		return fmt.Errorf("%w: sql set: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes a value from the table
func (c *SQLCache) Delete(ctx context.Context, key string) error {
	query := c.dialect.Rebind(`DELETE FROM ` + sqlCacheTable + ` WHERE cache_key = ?`)
	if _, err := c.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: sql delete: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear removes all rows
func (c *SQLCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM `+sqlCacheTable); err != nil {
		return fmt.Errorf("%w: sql clear: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes rows whose TTL has elapsed and returns how many were removed
func (c *SQLCache) PurgeExpired(ctx context.Context) (int64, error) {
	query := c.dialect.Rebind(`DELETE FROM ` + sqlCacheTable + ` WHERE expires_at <= ?`)
	res, err := c.db.ExecContext(ctx, query, c.config.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: sql purge: %v", ErrUnavailable, err)
	}
	return res.RowsAffected()
}

// Stats returns hit/miss counters for this instance
func (c *SQLCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
	}
}

var _ Cache = (*SQLCache)(nil)
