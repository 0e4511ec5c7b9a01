// Package app assembles a running gateway from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/backend"
	"github.com/deeplooplabs/weather-gateway/config"
	"github.com/deeplooplabs/weather-gateway/gateway"
	"github.com/deeplooplabs/weather-gateway/handler"
	"github.com/deeplooplabs/weather-gateway/hook"
	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/metrics"
	"github.com/deeplooplabs/weather-gateway/proxy"
	"github.com/deeplooplabs/weather-gateway/quota"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
	"github.com/deeplooplabs/weather-gateway/weather"
)

// Options override collaborators, mostly for tests
type Options struct {
	Version string

	// Registry receives the collectors and backs /metrics. nil creates a
	// fresh registry with the Go and process collectors.
	Registry *prometheus.Registry

	// Now drives the cache, limiter and budget clocks
	Now func() time.Time

	HTTPClient  *http.Client
	RedisClient redis.UniversalClient

	// Hooks are registered after the built-in ones
	Hooks []hook.Hook
}

// App is an assembled gateway
type App struct {
	Handler http.Handler
	Proxy   *proxy.Proxy
	Backend *backend.Backend
	Budget  *quota.BudgetHook
	Metrics *metrics.Metrics
}

// New builds every component described by cfg
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger = logging.OrNop(logger)

	policy, err := ratelimit.ParseFailurePolicy(cfg.RateLimit.FailurePolicy)
	if err != nil {
		return nil, err
	}

	shaper, err := weather.NewUnitShaper(cfg.Upstream.UnitGroup)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	registry := opts.Registry
	if cfg.Metrics.Enabled {
		if registry == nil {
			registry = prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		m = metrics.New(cfg.Metrics.Namespace, registry)
	}

	stores, err := backend.Open(ctx, cfg, logger.Named("backend"), &backend.Options{
		Now:         opts.Now,
		RedisClient: opts.RedisClient,
	})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}

	client, err := newUpstream(cfg.Upstream, opts.HTTPClient)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	hooks := hook.NewRegistry(logger.Named("hook"))
	var budget *quota.BudgetHook
	if cfg.Upstream.Budget > 0 {
		period, err := quota.ParsePeriod(cfg.Upstream.BudgetPeriod)
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		manager := quota.NewMemoryManager(quota.Config{
			Limit:  cfg.Upstream.Budget,
			Period: period,
			Now:    opts.Now,
		})
		budget = quota.NewBudgetHook(manager, logger.Named("quota"))
		hooks.Register(budget)
	}
	hooks.Register(opts.Hooks...)

	p, err := proxy.New(proxy.Config{
		KeyPrefix:     cfg.Cache.KeyPrefix,
		UnitGroup:     cfg.Upstream.UnitGroup,
		TTL:           cfg.Cache.TTL,
		AlignToDay:    cfg.Cache.AlignToDay,
		Coalesce:      cfg.Cache.Coalesce,
		FailurePolicy: policy,
		DayLocation:   time.UTC,
		Now:           opts.Now,
	}, proxy.Deps{
		Cache:   stores.Cache,
		Limiter: stores.Limiter,
		Client:  client,
		Shaper:  shaper,
		Hooks:   hooks,
		Metrics: m,
		Logger:  logger.Named("proxy"),
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger.Named("http")),
		gateway.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
	}
	if opts.Version != "" {
		gwOpts = append(gwOpts, gateway.WithVersion(opts.Version))
	}
	if m != nil {
		gwOpts = append(gwOpts, gateway.WithMetrics(m, registry))
	}
	if cfg.Admin.Enabled {
		var reporter handler.BudgetReporter
		if budget != nil {
			reporter = budget
		}
		gwOpts = append(gwOpts, gateway.WithAdmin(reporter))
		if pool, ok := client.(*weather.Pool); ok {
			gwOpts = append(gwOpts, gateway.WithAccounts(pool))
		}
	}
	if cfg.CORS.Enabled {
		cors := gateway.DefaultCORSConfig()
		if len(cfg.CORS.AllowedOrigins) > 0 {
			cors.AllowedOrigins = cfg.CORS.AllowedOrigins
		}
		gwOpts = append(gwOpts, gateway.WithCORS(cors))
	}

	return &App{
		Handler: gateway.New(p, gwOpts...),
		Proxy:   p,
		Backend: stores,
		Budget:  budget,
		Metrics: m,
	}, nil
}

// newUpstream builds the provider client, pooling accounts when more than
// one API key is configured
func newUpstream(cfg config.UpstreamConfig, httpClient *http.Client) (weather.Client, error) {
	if httpClient == nil {
		httpClient = weather.NewHTTPClient()
	}

	keys := cfg.APIKeys()
	members := make([]weather.PoolMember, len(keys))
	for i, key := range keys {
		clientConfig := weather.DefaultClientConfig().
			WithBaseURL(cfg.BaseURL).
			WithAPIKey(key).
			WithUnitGroup(cfg.UnitGroup).
			WithTimeout(cfg.Timeout).
			WithHTTPClient(httpClient)
		members[i] = weather.PoolMember{
			Name:   fmt.Sprintf("account-%d", i+1),
			Client: weather.NewVisualCrossing(clientConfig),
		}
	}

	if len(members) == 1 {
		return members[0].Client, nil
	}
	pool, err := weather.NewPool(weather.Strategy(cfg.KeyStrategy), members...)
	if err != nil {
		return nil, fmt.Errorf("upstream pool: %w", err)
	}
	return pool, nil
}

// Close releases the backend connections
func (a *App) Close() error {
	if a == nil || a.Backend == nil {
		return nil
	}
	return a.Backend.Close()
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
