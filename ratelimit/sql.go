package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deeplooplabs/weather-gateway/database"
)

const sqlLimiterTable = "rate_limit_buckets"

// admitQuery starts a new window, increments the current one, or leaves the
// row untouched when the window is full. An untouched row returns nothing.
const admitQuery = `INSERT INTO ` + sqlLimiterTable + ` (client_key, window_start, hits)
VALUES (?, ?, 1)
ON CONFLICT (client_key) DO UPDATE SET
	window_start = CASE WHEN excluded.window_start - ` + sqlLimiterTable + `.window_start >= ? THEN excluded.window_start ELSE ` + sqlLimiterTable + `.window_start END,
	hits = CASE WHEN excluded.window_start - ` + sqlLimiterTable + `.window_start >= ? THEN 1 ELSE ` + sqlLimiterTable + `.hits + 1 END
WHERE excluded.window_start - ` + sqlLimiterTable + `.window_start >= ? OR ` + sqlLimiterTable + `.hits < ?
RETURNING window_start, hits`

// SQLFixedWindow keeps fixed window counters in a PostgreSQL or SQLite table
type SQLFixedWindow struct {
	db      *sql.DB
	dialect database.Dialect
	config  *Config
}

// NewSQLFixedWindow creates a fixed window limiter backed by db
func NewSQLFixedWindow(db *sql.DB, dialect database.Dialect, config *Config) *SQLFixedWindow {
	if config == nil {
		config = DefaultConfig()
	}
	return &SQLFixedWindow{
		db:      db,
		dialect: dialect,
		config:  config,
	}
}

// EnsureSchema creates the bucket table when it does not exist
func (s *SQLFixedWindow) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + sqlLimiterTable + ` (
	client_key   TEXT PRIMARY KEY,
	window_start BIGINT NOT NULL,
	hits         INTEGER NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", sqlLimiterTable, err)
	}
	return nil
}

// Allow admits or rejects one request with a single statement
func (s *SQLFixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if !s.config.Enabled {
		return s.config.unlimited(), nil
	}

	limit := s.config.Limit
	window := s.config.Window
	now := s.config.now()
	if limit <= 0 {
		return Decision{Allowed: false, Limit: limit, ResetAfter: window, RetryAfter: window}, nil
	}

	var windowStart int64
	var hits int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(admitQuery),
		key, now.UnixNano(),
		int64(window), int64(window), int64(window), limit,
	).Scan(&windowStart, &hits)

	if errors.Is(err, sql.ErrNoRows) {
		retryAfter := s.retryAfter(ctx, key, now)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAfter: retryAfter,
			RetryAfter: retryAfter,
		}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: sql allow: %v", ErrUnavailable, err)
	}

	return Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  max(limit-hits, 0),
		ResetAfter: time.Unix(0, windowStart).Add(window).Sub(now),
	}, nil
}

// retryAfter reads the window start of a rejected key. Failures fall back to
// a full window.
func (s *SQLFixedWindow) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	var windowStart int64
	query := s.dialect.Rebind(`SELECT window_start FROM ` + sqlLimiterTable + ` WHERE client_key = ?`)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&windowStart); err != nil {
		return s.config.Window
	}
	if d := time.Unix(0, windowStart).Add(s.config.Window).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Window is the length of the windows this limiter counts
func (s *SQLFixedWindow) Window() time.Duration {
	return s.config.Window
}

// Reset deletes the bucket for key
func (s *SQLFixedWindow) Reset(ctx context.Context, key string) error {
	query := s.dialect.Rebind(`DELETE FROM ` + sqlLimiterTable + ` WHERE client_key = ?`)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: sql reset: %v", ErrUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes buckets whose window has ended
func (s *SQLFixedWindow) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.config.now().Add(-s.config.Window).UnixNano()
	query := s.dialect.Rebind(`DELETE FROM ` + sqlLimiterTable + ` WHERE window_start <= ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: sql purge: %v", ErrUnavailable, err)
	}
	return res.RowsAffected()
}

var _ Limiter = (*SQLFixedWindow)(nil)
