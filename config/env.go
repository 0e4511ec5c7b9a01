package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by Load.
const (
	EnvConfigFile          = "WEATHER_CONFIG"
	EnvAPIKey              = "WEATHER_API_KEY"
	EnvBaseURL             = "WEATHER_UPSTREAM_BASE_URL"
	EnvUnitGroup           = "WEATHER_UNIT_GROUP"
	EnvUpstreamTimeout     = "WEATHER_UPSTREAM_TIMEOUT"
	EnvBudget              = "WEATHER_UPSTREAM_BUDGET"
	EnvBudgetPeriod        = "WEATHER_UPSTREAM_BUDGET_PERIOD"
	EnvExtraAPIKeys        = "WEATHER_EXTRA_API_KEYS"
	EnvCacheTTL            = "WEATHER_CACHE_TTL"
	EnvCacheEnabled        = "WEATHER_CACHE_ENABLED"
	EnvRateLimit           = "WEATHER_RATE_LIMIT"
	EnvRateLimitEnabled    = "WEATHER_RATE_LIMIT_ENABLED"
	EnvRateLimitStrategy   = "WEATHER_RATE_LIMIT_STRATEGY"
	EnvRateLimitFailPolicy = "WEATHER_RATE_LIMIT_FAILURE_POLICY"
	EnvStoreDriver         = "WEATHER_STORE_DRIVER"
	EnvStoreDSN            = "WEATHER_STORE_DSN"
	EnvListenAddr          = "WEATHER_LISTEN_ADDR"
	EnvPort                = "PORT"
	EnvTrustProxyHeaders   = "WEATHER_TRUST_PROXY_HEADERS"
	EnvAdminEnabled        = "WEATHER_ADMIN_ENABLED"
	EnvLogLevel            = "LOG_LEVEL"
	EnvLogFormat           = "LOG_FORMAT"
)

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{EnvAPIKey, func(c *Config, v string) error { c.Upstream.APIKey = v; return nil }},
	{EnvBaseURL, func(c *Config, v string) error { c.Upstream.BaseURL = v; return nil }},
	{EnvUnitGroup, func(c *Config, v string) error { c.Upstream.UnitGroup = strings.ToLower(v); return nil }},
	{EnvUpstreamTimeout, func(c *Config, v string) error { return setDuration(&c.Upstream.Timeout, v) }},
	{EnvBudget, func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.Upstream.Budget = n
		return nil
	}},
	{EnvBudgetPeriod, func(c *Config, v string) error { c.Upstream.BudgetPeriod = strings.ToLower(v); return nil }},
	{EnvExtraAPIKeys, func(c *Config, v string) error {
		c.Upstream.ExtraAPIKeys = c.Upstream.ExtraAPIKeys[:0]
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				c.Upstream.ExtraAPIKeys = append(c.Upstream.ExtraAPIKeys, key)
			}
		}
		return nil
	}},
	{EnvCacheTTL, func(c *Config, v string) error { return setDuration(&c.Cache.TTL, v) }},
	{EnvCacheEnabled, func(c *Config, v string) error { return setBool(&c.Cache.Enabled, v) }},
	{EnvRateLimit, func(c *Config, v string) error { c.RateLimit.Rate = v; return nil }},
	{EnvRateLimitEnabled, func(c *Config, v string) error { return setBool(&c.RateLimit.Enabled, v) }},
	{EnvRateLimitStrategy, func(c *Config, v string) error { c.RateLimit.Strategy = strings.ToLower(v); return nil }},
	{EnvRateLimitFailPolicy, func(c *Config, v string) error { c.RateLimit.FailurePolicy = strings.ToLower(v); return nil }},
	{EnvStoreDriver, func(c *Config, v string) error { c.Store.Driver = strings.ToLower(v); return nil }},
	{EnvStoreDSN, func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	// PORT is the platform convention; WEATHER_LISTEN_ADDR, bound after it, wins
	{EnvPort, func(c *Config, v string) error {
		if _, err := strconv.Atoi(v); err != nil {
			return err
		}
		c.Server.ListenAddr = ":" + v
		return nil
	}},
	{EnvListenAddr, func(c *Config, v string) error { c.Server.ListenAddr = v; return nil }},
	{EnvTrustProxyHeaders, func(c *Config, v string) error { return setBool(&c.Server.TrustProxyHeaders, v) }},
	{EnvAdminEnabled, func(c *Config, v string) error { return setBool(&c.Admin.Enabled, v) }},
	{EnvLogLevel, func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{EnvLogFormat, func(c *Config, v string) error { c.Log.Format = strings.ToLower(v); return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", b.name, v, err)
		}
	}
	return nil
}

// ParseDuration accepts a Go duration ("12h", "90s") or a plain number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func setDuration(dst *time.Duration, v string) error {
	d, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
