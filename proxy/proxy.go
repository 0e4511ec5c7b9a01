// Package proxy serves weather requests from the cache when it can and from
// the upstream provider when it must, after admitting them through the rate
// limiter.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/hook"
	"github.com/deeplooplabs/weather-gateway/metrics"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
	"github.com/deeplooplabs/weather-gateway/weather"
)

// MetadataRateLimit is the request Context metadata key holding the
// ratelimit.Decision for the request
const MetadataRateLimit = "rate_limit"

// CacheStatus tells whether a response came from the cache
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// Config holds orchestrator configuration
type Config struct {
	// KeyPrefix namespaces cache keys
	KeyPrefix string

	// UnitGroup is part of every cache key
	UnitGroup string

	// TTL is how long fetched payloads stay cached; <= 0 disables caching
	TTL time.Duration

	// AlignToDay expires entries for the current day at its end
	AlignToDay bool

	// Coalesce shares one upstream fetch between concurrent misses on a key
	Coalesce bool

	// FailurePolicy applies when the rate limiter store fails
	FailurePolicy ratelimit.FailurePolicy

	// DayLocation resolves "today" when a request has no date
	DayLocation *time.Location

	// Now returns the current time; nil means time.Now
	Now func() time.Time
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     DefaultKeyPrefix,
		UnitGroup:     weather.DefaultUnitGroup,
		TTL:           12 * time.Hour,
		AlignToDay:    true,
		Coalesce:      true,
		FailurePolicy: ratelimit.FailOpen,
		DayLocation:   time.UTC,
		Now:           time.Now,
	}
}

// Deps are the collaborators of the orchestrator. Client is required.
type Deps struct {
	Cache   cache.Cache
	Limiter ratelimit.Limiter
	Client  weather.Client
	Shaper  weather.Shaper
	Hooks   *hook.Registry
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Request is a weather lookup for one client
type Request struct {
	Location string
	// Day is YYYY-MM-DD; empty means today
	Day      string
	ClientID string
}

// Response is a shaped payload ready to be written
type Response struct {
	Body        []byte
	CacheStatus CacheStatus
	Key         string
	Day         string
}

// Proxy orchestrates rate limiting, caching and upstream fetches
type Proxy struct {
	config    Config
	ttl       TTLPolicy
	cache     cache.Cache
	limiter   ratelimit.Limiter
	client    weather.Client
	shaper    weather.Shaper
	hooks     *hook.Registry
	metrics   *metrics.Metrics
	logger    *zap.Logger
	validator *validator.Validate
	group     singleflight.Group
}

// New creates an orchestrator
func New(config Config, deps Deps) (*Proxy, error) {
	if deps.Client == nil {
		return nil, errors.New("proxy: upstream client is required")
	}
	if config.UnitGroup == "" {
		config.UnitGroup = weather.DefaultUnitGroup
	}
	if config.DayLocation == nil {
		config.DayLocation = time.UTC
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = ratelimit.FailOpen
	}

	p := &Proxy{
		config:    config,
		ttl:       TTLPolicy{TTL: config.TTL, AlignToDay: config.AlignToDay},
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		client:    deps.Client,
		shaper:    deps.Shaper,
		hooks:     deps.Hooks,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		validator: newValidator(),
	}
	if p.cache == nil {
		p.cache = cache.NewNoOpCache()
	}
	if p.shaper == nil {
		shaper, err := weather.NewUnitShaper(config.UnitGroup)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		p.shaper = shaper
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Handle serves one weather request. Errors are *weathergateway.ProxyError.
func (p *Proxy) Handle(ctx context.Context, req Request) (*Response, error) {
	logger := p.logger.With(zap.String("request_id", weathergateway.RequestIDFromContext(ctx)))

	if err := p.admit(ctx, logger, req.ClientID); err != nil {
		return nil, err
	}

	location, day, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	dayStr := day.Format(DayLayout)
	key := DeriveKey(p.config.KeyPrefix, p.config.UnitGroup, location, dayStr)
	logger = logger.With(zap.String("key", key))

	if body, ok := p.lookup(ctx, logger, key); ok {
		return &Response{Body: body, CacheStatus: CacheHit, Key: key, Day: dayStr}, nil
	}

	info := hook.FetchInfo{
		Location: location,
		Day:      dayStr,
		Key:      key,
		Forecast: strings.TrimSpace(req.Day) == "",
	}
	raw, err := p.fetch(ctx, logger, info, day)
	if err != nil {
		perr := toProxyError(err)
		logger.Warn("upstream fetch failed", zap.String("error_kind", perr.Kind.String()), zap.Error(err))
		p.hooks.OnError(ctx, perr)
		return nil, perr
	}

	body, err := p.shaper.Shape(raw)
	if err != nil {
		logger.Error("shape upstream payload", zap.Error(err))
		return nil, weathergateway.NewInternalError("failed to shape weather data", err)
	}
	return &Response{Body: body, CacheStatus: CacheMiss, Key: key, Day: dayStr}, nil
}

// Clear removes every cached payload
func (p *Proxy) Clear(ctx context.Context) error {
	if err := p.cache.Clear(ctx); err != nil {
		p.metrics.StoreError("cache", "clear")
		return weathergateway.NewStoreUnavailableError("cache store unavailable", err)
	}
	p.logger.Info("cache cleared", zap.String("request_id", weathergateway.RequestIDFromContext(ctx)))
	return nil
}

// CacheStats returns the cache counters
func (p *Proxy) CacheStats() cache.CacheStats {
	return p.cache.Stats()
}

// admit runs the rate limit check and applies the failure policy
func (p *Proxy) admit(ctx context.Context, logger *zap.Logger, clientID string) error {
	if p.limiter == nil {
		return nil
	}

	decision, err := p.limiter.Allow(ctx, clientID)
	if err != nil {
		p.metrics.StoreError("ratelimit", "allow")
		if p.config.FailurePolicy == ratelimit.FailClosed {
			logger.Error("rate limiter unavailable, rejecting request", zap.Error(err))
			return weathergateway.NewStoreUnavailableError("rate limit store unavailable", err)
		}
		logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
		return nil
	}

	if rc, ok := weathergateway.FromContext(ctx); ok {
		rc.Set(MetadataRateLimit, decision)
	}

	if !decision.Allowed {
		p.metrics.RateLimited()
		logger.Info("rate limit exceeded", zap.String("client_id", clientID), zap.Duration("retry_after", decision.RetryAfter))
		return weathergateway.NewRateLimitError(
			fmt.Sprintf("rate limit of %d requests exceeded, retry later", decision.Limit),
			decision.RetryAfter,
		)
	}
	return nil
}

// resolve validates the request and returns the normalised location and the requested day
func (p *Proxy) resolve(req Request) (string, time.Time, error) {
	v := validatedRequest{
		Location: strings.TrimSpace(req.Location),
		Day:      strings.TrimSpace(req.Day),
	}
	if err := p.validator.Struct(v); err != nil {
		return "", time.Time{}, weathergateway.NewInvalidRequestError(validationDetail(err))
	}

	var day time.Time
	if v.Day == "" {
		y, m, d := p.config.Now().In(p.config.DayLocation).Date()
		day = time.Date(y, m, d, 0, 0, 0, 0, p.config.DayLocation)
	} else {
		parsed, err := time.ParseInLocation(DayLayout, v.Day, p.config.DayLocation)
		if err != nil {
			return "", time.Time{}, weathergateway.NewInvalidRequestError("date must be formatted YYYY-MM-DD")
		}
		day = parsed
	}

	return NormalizeLocation(v.Location), day, nil
}

// lookup returns the shaped cached payload for key. Store failures and
// payloads that cannot be shaped count as misses.
func (p *Proxy) lookup(ctx context.Context, logger *zap.Logger, key string) ([]byte, bool) {
	raw, found, err := p.cache.Get(ctx, key)
	if err != nil {
		p.metrics.StoreError("cache", "get")
		logger.Warn("cache lookup failed, fetching upstream", zap.Error(err))
	}
	if !found {
		p.metrics.CacheMiss()
		return nil, false
	}

	body, err := p.shaper.Shape(raw)
	if err != nil {
		p.metrics.CacheMiss()
		logger.Warn("discarding unreadable cache entry", zap.Error(err))
		return nil, false
	}

	p.metrics.CacheHit()
	logger.Debug("cache hit")
	return body, true
}

// fetch retrieves the raw payload upstream, coalescing concurrent misses when configured
func (p *Proxy) fetch(ctx context.Context, logger *zap.Logger, info hook.FetchInfo, day time.Time) ([]byte, error) {
	if !p.config.Coalesce {
		return p.fetchAndStore(ctx, logger, info, day)
	}

	// The shared fetch must not be cancelled by whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(info.Key, func() (any, error) {
		return p.fetchAndStore(shared, logger, info, day)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, weathergateway.NewUpstreamTimeoutError("request cancelled while waiting for upstream", ctx.Err())
	}
}

func (p *Proxy) fetchAndStore(ctx context.Context, logger *zap.Logger, info hook.FetchInfo, day time.Time) ([]byte, error) {
	if err := p.hooks.BeforeFetch(ctx, info); err != nil {
		p.metrics.Upstream(metrics.OutcomeVetoed, 0)
		return nil, &vetoError{err: err}
	}

	start := time.Now()
	upstreamDay := info.Day
	if info.Forecast {
		upstreamDay = ""
	}
	raw, err := p.client.Fetch(ctx, info.Location, upstreamDay)
	elapsed := time.Since(start)
	p.hooks.AfterFetch(ctx, info, err)

	if err != nil {
		p.metrics.Upstream(weather.KindOf(err).String(), elapsed)
		return nil, err
	}
	p.metrics.Upstream(metrics.OutcomeSuccess, elapsed)
	logger.Debug("upstream fetch succeeded", zap.Duration("elapsed", elapsed), zap.Int("bytes", len(raw)))

	ttl := p.ttl.Effective(day, p.config.Now())
	if ttl <= 0 {
		return raw, nil
	}
	if err := p.cache.Set(ctx, info.Key, raw, ttl); err != nil {
		p.metrics.StoreError("cache", "set")
		logger.Warn("cache write failed", zap.Error(err))
	}
	return raw, nil
}

// vetoError marks a fetch refused by a hook
type vetoError struct {
	err error
}

func (e *vetoError) Error() string { return "upstream fetch vetoed: " + e.err.Error() }

func (e *vetoError) Unwrap() error { return e.err }

// toProxyError maps fetch failures onto the client-facing taxonomy
func toProxyError(err error) *weathergateway.ProxyError {
	var perr *weathergateway.ProxyError
	if errors.As(err, &perr) {
		return perr
	}

	var veto *vetoError
	if errors.As(err, &veto) {
		return &weathergateway.ProxyError{
			Kind:   weathergateway.KindUpstreamUnavailable,
			Detail: "upstream call budget exhausted, try again later",
			Status: http.StatusServiceUnavailable,
			Err:    err,
		}
	}

	var werr *weather.Error
	if !errors.As(err, &werr) {
		return weathergateway.NewInternalError("internal server error", err)
	}

	switch werr.Kind {
	case weather.KindInvalidLocation:
		return &weathergateway.ProxyError{
			Kind:   weathergateway.KindInvalidRequest,
			Detail: "location not recognised by the weather provider",
			Err:    err,
		}
	case weather.KindUnauthorized:
		return weathergateway.NewUpstreamUnauthorizedError("weather provider rejected the gateway credentials", err)
	case weather.KindTimeout:
		return weathergateway.NewUpstreamTimeoutError("weather provider did not respond in time", err)
	case weather.KindRateLimited:
		return weathergateway.NewUpstreamUnavailableError("weather provider is rate limiting the gateway", err)
	default:
		return weathergateway.NewUpstreamUnavailableError("weather provider failed to serve the request", err)
	}
}
