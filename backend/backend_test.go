package backend

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/config"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
)

func testConfig(driver, dsn string) *config.Config {
	cfg := config.Default()
	cfg.Upstream.APIKey = "k"
	cfg.Store.Driver = driver
	cfg.Store.DSN = dsn
	return cfg
}

func exerciseStores(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, b.Cache.Set(ctx, "weather:metric:london:2024-07-01", []byte(`{"a":1}`), time.Hour))
	got, ok, err := b.Cache.Get(ctx, "weather:metric:london:2024-07-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))

	for i := 0; i < 5; i++ {
		d, err := b.Limiter.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := b.Limiter.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), testConfig(DriverMemory, ""), nil, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, DriverMemory, b.Driver)
	exerciseStores(t, b)
}

func TestOpen_MemoryTokenBucket(t *testing.T) {
	cfg := testConfig(DriverMemory, "")
	cfg.RateLimit.Strategy = string(ratelimit.StrategyTokenBucket)

	b, err := Open(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	exerciseStores(t, b)
}

func TestOpen_TokenBucketNeedsMemory(t *testing.T) {
	cfg := testConfig(DriverRedis, "redis://localhost:6379/0")
	cfg.RateLimit.Strategy = string(ratelimit.StrategyTokenBucket)

	_, err := Open(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := Open(context.Background(), testConfig(DriverRedis, "redis://"+mr.Addr()+"/0"), nil, nil)
	require.NoError(t, err)

	exerciseStores(t, b)
	assert.True(t, mr.Exists(RedisCachePrefix+"weather:metric:london:2024-07-01"))
	assert.True(t, mr.Exists(RedisLimiterPrefix+"203.0.113.7"))

	require.NoError(t, b.Close())
}

func TestOpen_RedisInjectedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b, err := Open(context.Background(), testConfig(DriverRedis, "unused"), nil, &Options{RedisClient: client})
	require.NoError(t, err)

	exerciseStores(t, b)
	// an injected client belongs to the caller
	require.NoError(t, b.Close())
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), testConfig(DriverRedis, "redis://"+addr+"/0"), nil, nil)
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	b, err := Open(context.Background(), testConfig(DriverSQLite, filepath.Join(t.TempDir(), "gw.db")), nil, nil)
	require.NoError(t, err)
	defer b.Close()

	_, isSQL := b.Cache.(*cache.SQLCache)
	assert.True(t, isSQL)
	exerciseStores(t, b)
}

func TestOpen_StackedRates(t *testing.T) {
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(DriverRedis, "redis://"+mr.Addr()+"/0")
		cfg.RateLimit.Rate = "5/minute, 20/hour"

		b, err := Open(context.Background(), cfg, nil, nil)
		require.NoError(t, err)
		defer b.Close()

		exerciseStores(t, b)
		assert.True(t, mr.Exists(RedisLimiterPrefix+"5/1m0s:203.0.113.7"))
		assert.True(t, mr.Exists(RedisLimiterPrefix+"20/1h0m0s:203.0.113.7"))
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig(DriverSQLite, filepath.Join(t.TempDir(), "gw.db"))
		cfg.RateLimit.Rate = "20/hour, 5/minute"

		b, err := Open(context.Background(), cfg, nil, nil)
		require.NoError(t, err)
		defer b.Close()

		exerciseStores(t, b)
	})
}

func TestOpen_CacheDisabled(t *testing.T) {
	cfg := testConfig(DriverMemory, "")
	cfg.Cache.Enabled = false

	b, err := Open(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Cache.Set(context.Background(), "k", []byte("v"), time.Hour))
	_, ok, err := b.Cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), testConfig("mongo", "x"), nil, nil)
	assert.Error(t, err)
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPurger) PurgeExpired(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1, nil
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestJanitor(t *testing.T) {
	p := &countingPurger{}
	b := &Backend{logger: zap.NewNop()}
	b.startJanitor(5*time.Millisecond, map[string]purger{"cache": p})

	assert.Eventually(t, func() bool { return p.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())

	after := p.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.count())
}
