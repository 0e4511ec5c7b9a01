package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable is returned when the shared limiter store cannot be reached
var ErrUnavailable = errors.New("rate limit store unavailable")

// Limiter is the interface for rate limiting
type Limiter interface {
	// Allow evaluates and, when permitted, records one request for key.
	// Rejected requests are not counted against the window.
	Allow(ctx context.Context, key string) (Decision, error)

	// Reset forgets all state for key
	Reset(ctx context.Context, key string) error
}

// Decision is the outcome of a single Allow call
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAfter is the time until the current window ends
	ResetAfter time.Duration
	// RetryAfter is set on rejections
	RetryAfter time.Duration
}

// Strategy selects the limiting algorithm
type Strategy string

const (
	StrategyFixedWindow Strategy = "fixed_window"
	StrategyTokenBucket Strategy = "token_bucket"
)

// FailurePolicy decides what happens to a request when the limiter store fails
type FailurePolicy string

const (
	// FailOpen admits the request
	FailOpen FailurePolicy = "open"
	// FailClosed rejects the request as a store failure
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy parses "open" or "closed"; empty means open
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown rate limit failure policy %q", s)
	}
}

// Config holds rate limiter configuration
type Config struct {
	// Limit is the number of requests admitted per Window
	Limit int

	// Window is the length of a fixed window
	Window time.Duration

	// Strategy selects fixed window or token bucket
	Strategy Strategy

	// Enabled indicates whether rate limiting is enabled
	Enabled bool

	// Now returns the current time; nil means time.Now
	Now func() time.Time
}

// DefaultConfig returns a default rate limiter configuration
func DefaultConfig() *Config {
	return &Config{
		Limit:    5,
		Window:   time.Minute,
		Strategy: StrategyFixedWindow,
		Enabled:  true,
		Now:      time.Now,
	}
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Config) unlimited() Decision {
	return Decision{Allowed: true, Limit: c.Limit, Remaining: c.Limit}
}

// Rate is one limit and the window it applies to
type Rate struct {
	Limit  int
	Window time.Duration
}

func (r Rate) String() string {
	return strconv.Itoa(r.Limit) + "/" + r.Window.String()
}

// ParseRates parses a comma separated list of rates such as
// "10/minute, 30/hour, 100/day". Every listed window must be distinct.
func ParseRates(s string) ([]Rate, error) {
	parts := strings.Split(s, ",")
	rates := make([]Rate, 0, len(parts))
	seen := make(map[time.Duration]bool, len(parts))
	for _, part := range parts {
		limit, window, err := ParseRate(part)
		if err != nil {
			return nil, err
		}
		if seen[window] {
			return nil, fmt.Errorf("invalid rate %q: window %s listed twice", s, window)
		}
		seen[window] = true
		rates = append(rates, Rate{Limit: limit, Window: window})
	}
	return rates, nil
}

// ParseRate parses rate notation such as "5/minute", "100/hour", "10/second",
// "1000/day" or "20/30s" into a limit and window.
func ParseRate(s string) (int, time.Duration, error) {
	count, period, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid rate %q: expected <count>/<period>", s)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate %q: count must be a positive integer", s)
	}

	period = strings.ToLower(strings.TrimSpace(period))
	var window time.Duration
	switch strings.TrimSuffix(period, "s") {
	case "second", "sec":
		window = time.Second
	case "minute", "min":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		window, err = time.ParseDuration(period)
		if err != nil || window <= 0 {
			return 0, 0, fmt.Errorf("invalid rate %q: unknown period %q", s, period)
		}
	}

	return limit, window, nil
}
