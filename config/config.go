// Package config loads gateway configuration from a YAML file, an optional
// .env file and the process environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
	"github.com/deeplooplabs/weather-gateway/weather"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr" validate:"required"`
	ReadTimeout       time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
}

// UpstreamConfig holds the weather provider settings.
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	APIKey    string        `yaml:"api_key" validate:"required"`
	UnitGroup string        `yaml:"unit_group" validate:"required,oneof=metric us uk base"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`

	// Budget caps upstream calls per BudgetPeriod (UTC); 0 is unlimited
	Budget       int64  `yaml:"budget" validate:"gte=0"`
	BudgetPeriod string `yaml:"budget_period" validate:"oneof=hourly daily monthly"`

	// ExtraAPIKeys are further accounts that share the upstream load with APIKey
	ExtraAPIKeys []string `yaml:"extra_api_keys" validate:"dive,required"`
	KeyStrategy  string   `yaml:"key_strategy" validate:"oneof=round_robin least_active"`
}

// APIKeys returns APIKey followed by ExtraAPIKeys
func (u UpstreamConfig) APIKeys() []string {
	return append([]string{u.APIKey}, u.ExtraAPIKeys...)
}

// CacheConfig holds the response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	AlignToDay bool          `yaml:"align_to_day"`
	Coalesce   bool          `yaml:"coalesce"`
	KeyPrefix  string        `yaml:"key_prefix" validate:"required,excludesall=: "`

	// MaxItems and MaxSize bound the memory store; 0 is unbounded
	MaxItems int   `yaml:"max_items" validate:"gte=0"`
	MaxSize  int64 `yaml:"max_size" validate:"gte=0"`
}

// RateLimitConfig holds the per-client limiter settings.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Rate          string `yaml:"rate" validate:"required,rate"`
	Strategy      string `yaml:"strategy" validate:"oneof=fixed_window token_bucket"`
	FailurePolicy string `yaml:"failure_policy" validate:"oneof=open closed"`
}

// StoreConfig selects the backing store shared by the cache and the limiter.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory redis postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`

	// PurgeInterval is how often SQL stores delete expired rows
	PurgeInterval time.Duration `yaml:"purge_interval" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig controls the administrative routes.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CORSConfig controls cross-origin headers.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config holds the complete configuration of the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
	Log       logging.Config  `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
	CORS      CORSConfig      `yaml:"cors"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:   weather.DefaultBaseURL,
			UnitGroup: weather.DefaultUnitGroup,
			Timeout:   weather.DefaultTimeout,

			BudgetPeriod: "daily",
			KeyStrategy:  string(weather.RoundRobin),
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        12 * time.Hour,
			AlignToDay: true,
			Coalesce:   true,
			KeyPrefix:  "weather",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Rate:          "5/minute",
			Strategy:      string(ratelimit.StrategyFixedWindow),
			FailurePolicy: string(ratelimit.FailOpen),
		},
		Store: StoreConfig{
			Driver:        "memory",
			PurgeInterval: 10 * time.Minute,
		},
		Log: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "weather_gateway",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, WEATHER_CONFIG is consulted. envFiles are loaded with godotenv
// before the environment is applied and default to ".env". Missing env
// files are ignored; variables already set in the process win.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field by its YAML path.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Rates returns the parsed rate limits. Several comma separated rates are
// all enforced.
func (c *Config) Rates() ([]ratelimit.Rate, error) {
	return ratelimit.ParseRates(c.RateLimit.Rate)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("rate", func(fl validator.FieldLevel) bool {
		_, err := ratelimit.ParseRates(fl.Field().String())
		return err == nil
	})
	return v
}
