package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deeplooplabs/weather-gateway/app"
	"github.com/deeplooplabs/weather-gateway/config"
)

// TestAPIKey is the upstream credential every environment is configured with
const TestAPIKey = "e2e-secret-key"

// TestEnvironment provides a running gateway in front of a mock upstream
type TestEnvironment struct {
	Server   *httptest.Server
	Upstream *MockUpstream
	App      *app.App
	Config   *config.Config
	Clock    *Clock
	T        *testing.T
}

// NewTestEnvironment starts a gateway with the default configuration. mutate
// may adjust the configuration before the gateway is built.
func NewTestEnvironment(t *testing.T, mutate func(*config.Config)) *TestEnvironment {
	t.Helper()

	upstream := NewMockUpstream()
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstream.URL()
	cfg.Upstream.APIKey = TestAPIKey
	cfg.Upstream.Timeout = 2 * time.Second
	cfg.Admin.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := NewClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t), &app.Options{
		Version:  "e2e",
		Registry: prometheus.NewRegistry(),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	server := httptest.NewServer(a.Handler)
	t.Cleanup(server.Close)

	return &TestEnvironment{
		Server:   server,
		Upstream: upstream,
		App:      a,
		Config:   cfg,
		Clock:    clock,
		T:        t,
	}
}

// Do sends a request to the gateway and returns the response with its body read
func (e *TestEnvironment) Do(method, path string) (*http.Response, []byte) {
	e.T.Helper()

	req, err := http.NewRequest(method, e.Server.URL+path, nil)
	require.NoError(e.T, err)

	resp, err := e.Server.Client().Do(req)
	require.NoError(e.T, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(e.T, err)
	return resp, body
}

// Get is Do with GET
func (e *TestEnvironment) Get(path string) (*http.Response, []byte) {
	e.T.Helper()
	return e.Do(http.MethodGet, path)
}

// ErrorBody decodes a gateway error response
func ErrorBody(t *testing.T, body []byte) (code, detail string) {
	t.Helper()

	var out struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	return out.Error, out.Detail
}

// Clock is a manually advanced clock shared by the cache, limiter and budget
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
