// Package backend builds the cache and rate limiter for the configured store
// driver and owns the connections behind them.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/config"
	"github.com/deeplooplabs/weather-gateway/database"
	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
)

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = database.DriverPostgres
	DriverSQLite   = database.DriverSQLite
)

// Redis key namespaces
const (
	RedisCachePrefix   = "cache:"
	RedisLimiterPrefix = "ratelimit:"
)

// Backend holds the stores used by the proxy
type Backend struct {
	Cache   cache.Cache
	Limiter ratelimit.Limiter
	Driver  string

	logger  *zap.Logger
	closers []func() error
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Options override pieces of the backend, mostly for tests
type Options struct {
	// Now drives cache expiry and limiter windows; nil means time.Now
	Now func() time.Time

	// RedisClient replaces the client built from the DSN
	RedisClient redis.UniversalClient
}

// purger is implemented by SQL stores that keep expired rows around
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Open connects to the configured store and builds the cache and limiter
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts *Options) (*Backend, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger = logging.OrNop(logger)

	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	limiterConfig := &ratelimit.Config{
		Strategy: ratelimit.Strategy(cfg.RateLimit.Strategy),
		Enabled:  cfg.RateLimit.Enabled,
		Now:      opts.Now,
	}
	cacheConfig := &cache.Config{
		MaxSize:  cfg.Cache.MaxSize,
		MaxItems: cfg.Cache.MaxItems,
		Enabled:  cfg.Cache.Enabled,
		Now:      opts.Now,
	}

	if limiterConfig.Strategy == ratelimit.StrategyTokenBucket && cfg.Store.Driver != DriverMemory {
		return nil, fmt.Errorf("rate limit strategy %s requires the memory store, not %s", limiterConfig.Strategy, cfg.Store.Driver)
	}

	b := &Backend{Driver: cfg.Store.Driver, logger: logger}

	switch cfg.Store.Driver {
	case DriverMemory:
		b.Cache = cache.NewLRUCache(cacheConfig)
		b.Limiter = stack(rates, limiterConfig, func(c *ratelimit.Config) ratelimit.Limiter {
			if c.Strategy == ratelimit.StrategyTokenBucket {
				return ratelimit.NewTokenBucket(c)
			}
			return ratelimit.NewFixedWindow(c)
		})

	case DriverRedis:
		client := opts.RedisClient
		if client == nil {
			client, err = openRedis(ctx, cfg.Store.DSN)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, client.Close)
		}
		b.Cache = cache.NewRedisCache(client, RedisCachePrefix)
		b.Limiter = stack(rates, limiterConfig, func(c *ratelimit.Config) ratelimit.Limiter {
			return ratelimit.NewRedisFixedWindow(client, RedisLimiterPrefix, c)
		})

	case DriverPostgres, DriverSQLite:
		db, dialect, err := database.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := b.openSQL(ctx, db, dialect, cacheConfig, rates, limiterConfig, cfg.Store.PurgeInterval); err != nil {
			_ = b.Close()
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if !cfg.Cache.Enabled {
		b.Cache = cache.NewNoOpCache()
	}

	logger.Info("backend ready",
		zap.String("driver", b.Driver),
		zap.String("rate_limit_strategy", string(limiterConfig.Strategy)),
		zap.String("rate_limit", cfg.RateLimit.Rate),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
	)
	return b, nil
}

func openRedis(ctx context.Context, dsn string) (*redis.Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *Backend) openSQL(ctx context.Context, db *sql.DB, dialect database.Dialect, cacheConfig *cache.Config, rates []ratelimit.Rate, limiterConfig *ratelimit.Config, purgeInterval time.Duration) error {
	sqlCache := cache.NewSQLCache(db, dialect, cacheConfig)
	if err := sqlCache.EnsureSchema(ctx); err != nil {
		return err
	}

	// Tiers share one table, so only the longest window may purge it.
	var longest *ratelimit.SQLFixedWindow
	limiter := stack(rates, limiterConfig, func(c *ratelimit.Config) ratelimit.Limiter {
		l := ratelimit.NewSQLFixedWindow(db, dialect, c)
		if longest == nil || c.Window > longest.Window() {
			longest = l
		}
		return l
	})
	if err := longest.EnsureSchema(ctx); err != nil {
		return err
	}

	b.Cache = sqlCache
	b.Limiter = limiter

	if purgeInterval > 0 {
		b.startJanitor(purgeInterval, map[string]purger{"cache": sqlCache, "ratelimit": longest})
	}
	return nil
}

// stack builds one limiter per rate and combines them
func stack(rates []ratelimit.Rate, base *ratelimit.Config, build func(*ratelimit.Config) ratelimit.Limiter) ratelimit.Limiter {
	tiers := make([]ratelimit.Tier, 0, len(rates))
	for _, rate := range rates {
		c := *base
		c.Limit = rate.Limit
		c.Window = rate.Window
		tiers = append(tiers, ratelimit.Tier{Rate: rate, Limiter: build(&c)})
	}
	return ratelimit.NewStacked(tiers...)
}

// startJanitor deletes expired rows every interval until Close
func (b *Backend) startJanitor(interval time.Duration, stores map[string]purger) {
	ctx, cancel := context.WithCancel(context.Background())
	b.stop = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.purge(ctx, stores)
			}
		}
	}()
}

func (b *Backend) purge(ctx context.Context, stores map[string]purger) {
	for name, store := range stores {
		n, err := store.PurgeExpired(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.Warn("purge expired rows failed", zap.String("store", name), zap.Error(err))
			}
			continue
		}
		if n > 0 {
			b.logger.Debug("purged expired rows", zap.String("store", name), zap.Int64("rows", n))
		}
	}
}

// Close stops the janitor and closes connections opened by Open
func (b *Backend) Close() error {
	if b.stop != nil {
		b.stop()
	}
	b.wg.Wait()

	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
