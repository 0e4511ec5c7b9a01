package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/hook"
	"github.com/deeplooplabs/weather-gateway/metrics"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
	"github.com/deeplooplabs/weather-gateway/weather"
	"github.com/deeplooplabs/weather-gateway/weather/mocks"
)

const londonPayload = `{"resolvedAddress":"London, England, United Kingdom","days":[{"datetime":"2024-07-01","temp":20}]}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingCache records how often the store is touched
type countingCache struct {
	cache.Cache
	gets atomic.Int64
	sets atomic.Int64
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.gets.Add(1)
	return c.Cache.Get(ctx, key)
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets.Add(1)
	return c.Cache.Set(ctx, key, value, ttl)
}

// brokenCache fails every operation like an unreachable shared store
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, cache.ErrUnavailable
}
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return cache.ErrUnavailable
}
func (brokenCache) Delete(context.Context, string) error { return cache.ErrUnavailable }
func (brokenCache) Clear(context.Context) error          { return cache.ErrUnavailable }
func (brokenCache) Stats() cache.CacheStats              { return cache.CacheStats{} }

// brokenLimiter fails like an unreachable shared store
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ratelimit.ErrUnavailable
}
func (brokenLimiter) Reset(context.Context, string) error { return ratelimit.ErrUnavailable }

type vetoHook struct{ err error }

func (h *vetoHook) Name() string { return "veto" }
func (h *vetoHook) BeforeFetch(context.Context, hook.FetchInfo) error {
	return h.err
}
func (h *vetoHook) AfterFetch(context.Context, hook.FetchInfo, error) {}

type testEnv struct {
	proxy   *Proxy
	client  *mocks.MockClient
	cache   *countingCache
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	clock := newFakeClock()
	client := mocks.NewMockClient(ctrl)
	store := &countingCache{Cache: cache.NewLRUCache(&cache.Config{
		MaxSize:  1 << 20,
		MaxItems: 100,
		Enabled:  true,
		Now:      clock.Now,
	})}
	m := metrics.New("test", prometheus.NewRegistry())

	config := DefaultConfig()
	config.Now = clock.Now
	config.AlignToDay = false
	deps := Deps{
		Cache:   store,
		Client:  client,
		Metrics: m,
	}
	if mutate != nil {
		mutate(&config, &deps)
	}

	p, err := New(config, deps)
	require.NoError(t, err)
	return &testEnv{proxy: p, client: client, cache: store, clock: clock, metrics: m}
}

func requireKind(t *testing.T, err error, kind weathergateway.ErrorKind) *weathergateway.ProxyError {
	t.Helper()
	require.Error(t, err)
	var perr *weathergateway.ProxyError
	require.True(t, errors.As(err, &perr), "expected ProxyError, got %T", err)
	require.Equal(t, kind, perr.Kind, perr.Error())
	return perr
}

func TestProxy_SecondRequestServedFromCache(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		Return([]byte(londonPayload), nil).
		Times(1)

	first, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, first.CacheStatus)
	assert.Equal(t, "weather:metric:london:2024-07-01", first.Key)

	second, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, second.CacheStatus)
	assert.JSONEq(t, string(first.Body), string(second.Body))

	var body map[string]any
	require.NoError(t, json.Unmarshal(second.Body, &body))
	assert.Equal(t, "London, England, United Kingdom", body["resolvedAddress"])
	assert.Contains(t, body, "unit_group")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UpstreamRequests.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestProxy_ExpiredEntryIsRefetched(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.TTL = time.Hour })
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		Return([]byte(londonPayload), nil).
		Times(2)

	_, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	resp, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.CacheStatus)
}

func TestProxy_LocationNormalisationSharesKey(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), "new york", "2024-07-01").
		Return([]byte(`{"resolvedAddress":"New York"}`), nil).
		Times(1)

	a, err := env.proxy.Handle(ctx, Request{Location: "New York", Day: "2024-07-01"})
	require.NoError(t, err)
	b, err := env.proxy.Handle(ctx, Request{Location: "  new   york ", Day: "2024-07-01"})
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
	assert.Equal(t, CacheHit, b.CacheStatus)
}

func TestProxy_DefaultsToToday(t *testing.T) {
	env := newTestEnv(t, nil)
	env.clock.Advance(15 * time.Hour) // 2024-07-01 23:00 UTC

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "").
		Return([]byte(londonPayload), nil)

	ctx := context.Background()
	resp, err := env.proxy.Handle(ctx, Request{Location: "London"})
	require.NoError(t, err)
	assert.Equal(t, "2024-07-01", resp.Day)
	assert.Equal(t, DeriveKey(DefaultKeyPrefix, "metric", "London", "2024-07-01"), resp.Key)

	// an explicit request for today shares the entry
	resp, err = env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.CacheStatus)
}

func TestProxy_InvalidRequestsNeverReachUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	tests := []struct {
		name     string
		location string
		day      string
		detail   string
	}{
		{"empty", "", "", "location is required"},
		{"whitespace", "   \t ", "", "location is required"},
		{"slash", "london/uk", "", "must not contain"},
		{"query", "london?x=1", "", "must not contain"},
		{"control", "lon\x00don", "", "must not contain"},
		{"invalid utf8", "\xff", "", "valid UTF-8"},
		{"invalid utf8 suffix", "par\xfeis", "", "valid UTF-8"},
		{"too long", strings.Repeat("a", MaxLocationLength+1), "", "at most 256"},
		{"bad date", "London", "01/07/2024", "YYYY-MM-DD"},
		{"impossible date", "London", "2024-02-30", "YYYY-MM-DD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.proxy.Handle(context.Background(), Request{Location: tt.location, Day: tt.day})
			perr := requireKind(t, err, weathergateway.KindInvalidRequest)
			assert.Contains(t, perr.Detail, tt.detail)
			assert.Equal(t, http.StatusBadRequest, perr.HTTPStatus())
		})
	}

	assert.Equal(t, int64(0), env.cache.gets.Load())
}

func TestProxy_LongUnicodeLocationWithinLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	location := strings.Repeat("é", MaxLocationLength)

	env.client.EXPECT().
		Fetch(gomock.Any(), location, "2024-07-01").
		Return([]byte(`{}`), nil)

	_, err := env.proxy.Handle(context.Background(), Request{Location: location, Day: "2024-07-01"})
	require.NoError(t, err)
}

func TestProxy_UpstreamFailuresAreNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		Return(nil, &weather.Error{Kind: weather.KindOther, Status: 500}).
		Times(2)

	for i := 0; i < 2; i++ {
		_, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
		requireKind(t, err, weathergateway.KindUpstreamUnavailable)
	}

	assert.Equal(t, int64(0), env.cache.sets.Load())
	assert.Zero(t, env.cache.Stats().Items)

	_, found, err := env.cache.Get(ctx, DeriveKey(DefaultKeyPrefix, "metric", "London", "2024-07-01"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProxy_UpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		kind   weather.Kind
		want   weathergateway.ErrorKind
		status int
	}{
		{weather.KindInvalidLocation, weathergateway.KindInvalidRequest, http.StatusBadRequest},
		{weather.KindUnauthorized, weathergateway.KindUpstreamUnauthorized, http.StatusUnauthorized},
		{weather.KindTimeout, weathergateway.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{weather.KindRateLimited, weathergateway.KindUpstreamUnavailable, http.StatusBadGateway},
		{weather.KindOther, weathergateway.KindUpstreamUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			env := newTestEnv(t, nil)
			upstreamBody := "secret upstream body"
			env.client.EXPECT().
				Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(nil, &weather.Error{Kind: tt.kind, Body: upstreamBody})

			_, err := env.proxy.Handle(context.Background(), Request{Location: "Nowhere", Day: "2024-07-01"})
			perr := requireKind(t, err, tt.want)
			assert.Equal(t, tt.status, perr.HTTPStatus())
			assert.NotContains(t, perr.Detail, upstreamBody)
		})
	}
}

func TestProxy_RateLimitRejectsBeforeCache(t *testing.T) {
	clock := newFakeClock()
	env := newTestEnv(t, func(_ *Config, d *Deps) {
		d.Limiter = ratelimit.NewFixedWindow(&ratelimit.Config{
			Limit:   1,
			Window:  time.Minute,
			Enabled: true,
			Now:     clock.Now,
		})
	})
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]byte(londonPayload), nil).
		Times(1)

	_, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01", ClientID: "203.0.113.7"})
	require.NoError(t, err)
	gets := env.cache.gets.Load()

	rc := weathergateway.NewContext(nil)
	_, err = env.proxy.Handle(weathergateway.WithContext(ctx, rc), Request{Location: "London", Day: "2024-07-01", ClientID: "203.0.113.7"})
	perr := requireKind(t, err, weathergateway.KindRateLimitExceeded)
	assert.Equal(t, http.StatusTooManyRequests, perr.HTTPStatus())
	assert.Greater(t, perr.RetryAfter, time.Duration(0))
	assert.Equal(t, gets, env.cache.gets.Load(), "rejected request must not touch the cache")

	decision, ok := rc.Get(MetadataRateLimit).(ratelimit.Decision)
	require.True(t, ok)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1, decision.Limit)

	// other clients keep their own budget
	_, err = env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01", ClientID: "198.51.100.1"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RateLimitExceeded))
}

func TestProxy_LimiterFailurePolicy(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config, d *Deps) {
			c.FailurePolicy = ratelimit.FailOpen
			d.Limiter = brokenLimiter{}
		})
		env.client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Return([]byte(londonPayload), nil)

		resp, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, resp.CacheStatus)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StoreErrors.WithLabelValues("ratelimit", "allow")))
	})

	t.Run("closed", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config, d *Deps) {
			c.FailurePolicy = ratelimit.FailClosed
			d.Limiter = brokenLimiter{}
		})
		env.client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
		perr := requireKind(t, err, weathergateway.KindInternalStoreUnavailable)
		assert.Equal(t, http.StatusServiceUnavailable, perr.HTTPStatus())
	})
}

func TestProxy_CacheOutageFailsOpen(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Cache = brokenCache{} })

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		Return([]byte(londonPayload), nil).
		Times(2)

	for i := 0; i < 2; i++ {
		resp, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, resp.CacheStatus)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.StoreErrors.WithLabelValues("cache", "get")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.StoreErrors.WithLabelValues("cache", "set")))

	err := env.proxy.Clear(context.Background())
	requireKind(t, err, weathergateway.KindInternalStoreUnavailable)
}

func TestProxy_CorruptCacheEntryIsRefetched(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	key := DeriveKey(DefaultKeyPrefix, "metric", "London", "2024-07-01")
	require.NoError(t, env.cache.Set(ctx, key, []byte("garbage"), time.Hour))

	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		Return([]byte(londonPayload), nil)

	resp, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.CacheStatus)

	resp, err = env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.CacheStatus)
}

func TestProxy_ZeroTTLDisablesCaching(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.TTL = 0 })

	env.client.EXPECT().
		Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]byte(londonPayload), nil).
		Times(2)

	for i := 0; i < 2; i++ {
		resp, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, resp.CacheStatus)
	}
	assert.Equal(t, int64(0), env.cache.sets.Load())
}

func TestProxy_ConcurrentMissesCoalesce(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.Coalesce = true })

	release := make(chan struct{})
	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		DoAndReturn(func(ctx context.Context, location, day string) ([]byte, error) {
			<-release
			return []byte(londonPayload), nil
		}).
		Times(1)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
			errs <- err
		}()
	}

	// let the callers pile up on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestProxy_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.Coalesce = true })

	release := make(chan struct{})
	fetchCtxErr := make(chan error, 1)
	env.client.EXPECT().
		Fetch(gomock.Any(), "london", "2024-07-01").
		DoAndReturn(func(ctx context.Context, location, day string) ([]byte, error) {
			<-release
			fetchCtxErr <- ctx.Err()
			return []byte(londonPayload), nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	requireKind(t, <-done, weathergateway.KindUpstreamTimeout)

	close(release)
	assert.NoError(t, <-fetchCtxErr)

	// the shared fetch still populated the cache
	require.Eventually(t, func() bool { return env.cache.sets.Load() == 1 }, time.Second, 5*time.Millisecond)
	resp, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.CacheStatus)
}

func TestProxy_HookVeto(t *testing.T) {
	budget := errors.New("budget exhausted")
	env := newTestEnv(t, func(_ *Config, d *Deps) {
		d.Hooks = hook.NewRegistry(nil)
		d.Hooks.Register(&vetoHook{err: budget})
	})
	env.client.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := env.proxy.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
	perr := requireKind(t, err, weathergateway.KindUpstreamUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, perr.HTTPStatus())
	assert.ErrorIs(t, err, budget)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UpstreamRequests.WithLabelValues(metrics.OutcomeVetoed)))
}

func TestProxy_Clear(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.client.EXPECT().
		Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]byte(londonPayload), nil).
		Times(2)

	_, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	require.NoError(t, env.proxy.Clear(ctx))

	resp, err := env.proxy.Handle(ctx, Request{Location: "London", Day: "2024-07-01"})
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.CacheStatus)
}

func TestProxy_WithVisualCrossingClient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(londonPayload))
	}))
	defer server.Close()

	client := weather.NewVisualCrossing(weather.DefaultClientConfig().WithBaseURL(server.URL).WithAPIKey("k"))
	config := DefaultConfig()
	p, err := New(config, Deps{Cache: cache.NewLRUCache(nil), Client: client})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.Handle(context.Background(), Request{Location: "London", Day: "2024-07-01"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	config := DefaultConfig()
	config.UnitGroup = "imperial"
	_, err = New(config, Deps{Client: mocks.NewMockClient(gomock.NewController(t))})
	assert.Error(t, err)
}
