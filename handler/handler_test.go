package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/proxy"
	"github.com/deeplooplabs/weather-gateway/quota"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
	"github.com/deeplooplabs/weather-gateway/weather"
)

type fakeWeather struct {
	got      proxy.Request
	resp     *proxy.Response
	err      error
	decision *ratelimit.Decision
}

func (f *fakeWeather) Handle(ctx context.Context, req proxy.Request) (*proxy.Response, error) {
	f.got = req
	if f.decision != nil {
		if rc, ok := weathergateway.FromContext(ctx); ok {
			rc.Set(proxy.MetadataRateLimit, *f.decision)
		}
	}
	return f.resp, f.err
}

func withRequestContext(r *http.Request, clientID string) (*http.Request, *weathergateway.Context) {
	rc := weathergateway.NewContext(r)
	rc.ClientID = clientID
	return r.WithContext(weathergateway.WithContext(r.Context(), rc)), rc
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) weathergateway.ErrorResponse {
	t.Helper()
	var body weathergateway.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestWeatherHandler_PathLocation(t *testing.T) {
	fw := &fakeWeather{
		resp:     &proxy.Response{Body: []byte(`{"resolvedAddress":"London"}`), CacheStatus: proxy.CacheHit},
		decision: &ratelimit.Decision{Allowed: true, Limit: 5, Remaining: 3, ResetAfter: 1500 * time.Millisecond},
	}
	h := NewWeatherHandler(fw, nil)

	req := httptest.NewRequest(http.MethodGet, "/weather/London?date=2024-07-01", nil)
	req.SetPathValue("location", "London")
	req, _ = withRequestContext(req, "203.0.113.7")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resolvedAddress":"London"}`, w.Body.String())
	assert.Equal(t, "HIT", w.Header().Get(HeaderCache))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "3", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, "2", w.Header().Get(HeaderRateLimitReset))
	assert.Equal(t, proxy.Request{Location: "London", Day: "2024-07-01", ClientID: "203.0.113.7"}, fw.got)
}

func TestWeatherHandler_QueryLocation(t *testing.T) {
	fw := &fakeWeather{resp: &proxy.Response{Body: []byte(`{}`), CacheStatus: proxy.CacheMiss}}
	h := NewWeatherHandler(fw, nil)

	req := httptest.NewRequest(http.MethodGet, "/weather?location=New+York", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get(HeaderCache))
	assert.Equal(t, "New York", fw.got.Location)
	assert.Empty(t, fw.got.Day)
	assert.Empty(t, w.Header().Get(HeaderRateLimitLimit))
}

func TestWeatherHandler_Head(t *testing.T) {
	fw := &fakeWeather{resp: &proxy.Response{Body: []byte(`{"a":1}`), CacheStatus: proxy.CacheMiss}}
	h := NewWeatherHandler(fw, nil)

	req := httptest.NewRequest(http.MethodHead, "/weather?location=Paris", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())
}

func TestWeatherHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", weathergateway.NewInvalidRequestError("location is required"), http.StatusBadRequest, "invalid_request"},
		{"unauthorized", weathergateway.NewUpstreamUnauthorizedError("bad key", nil), http.StatusUnauthorized, "upstream_unauthorized"},
		{"timeout", weathergateway.NewUpstreamTimeoutError("slow", nil), http.StatusGatewayTimeout, "upstream_timeout"},
		{"unavailable", weathergateway.NewUpstreamUnavailableError("boom", nil), http.StatusBadGateway, "upstream_unavailable"},
		{"store", weathergateway.NewStoreUnavailableError("down", nil), http.StatusServiceUnavailable, "store_unavailable"},
		{"unknown", errors.New("secret internals"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWeatherHandler(&fakeWeather{err: tt.err}, nil)
			req := httptest.NewRequest(http.MethodGet, "/weather?location=x", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body.Error)
			assert.NotContains(t, w.Body.String(), "secret internals")
			assert.Empty(t, w.Header().Get("Retry-After"))
		})
	}
}

func TestWeatherHandler_RateLimited(t *testing.T) {
	fw := &fakeWeather{
		err:      weathergateway.NewRateLimitError("rate limit of 5 requests exceeded, retry later", 41*time.Second+200*time.Millisecond),
		decision: &ratelimit.Decision{Allowed: false, Limit: 5, Remaining: 0, ResetAfter: 42 * time.Second},
	}
	h := NewWeatherHandler(fw, nil)

	req, _ := withRequestContext(httptest.NewRequest(http.MethodGet, "/weather?location=x", nil), "c")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, w).Error)
}

func TestWeatherHandler_MethodNotAllowed(t *testing.T) {
	h := NewWeatherHandler(&fakeWeather{}, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/weather?location=x", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", decodeError(t, w).Error)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, "60", retryAfterSeconds(time.Minute))
	assert.Equal(t, "61", retryAfterSeconds(time.Minute+time.Millisecond))
}

func TestInfoHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NewInfoHandler("1.2.3").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"service":"weather-gateway","version":"1.2.3"}`, w.Body.String())
}

func TestOpenAPIHandler(t *testing.T) {
	h := NewOpenAPIHandler("1.2.3")
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var doc struct {
			OpenAPI string `json:"openapi"`
			Info    struct {
				Version string `json:"version"`
			} `json:"info"`
			Paths map[string]any `json:"paths"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
		assert.Equal(t, "3.0.3", doc.OpenAPI)
		assert.Equal(t, "1.2.3", doc.Info.Version)
		assert.Contains(t, doc.Paths, "/weather/{location}")
		assert.Contains(t, doc.Paths, "/weather")
	}
}

func TestDocsHandler(t *testing.T) {
	w := httptest.NewRecorder()
	NewDocsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/docs", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, w.Body.String(), `spec-url="/openapi.json"`)
}

type fakeCacheAdmin struct {
	cleared int
	err     error
	stats   cache.CacheStats
}

func (f *fakeCacheAdmin) Clear(ctx context.Context) error {
	f.cleared++
	return f.err
}

func (f *fakeCacheAdmin) CacheStats() cache.CacheStats { return f.stats }

type fakeBudget struct{ usage *quota.Usage }

func (f fakeBudget) Usage(ctx context.Context) (*quota.Usage, error) { return f.usage, nil }

func TestAdminHandler_Clear(t *testing.T) {
	admin := &fakeCacheAdmin{}
	h := NewAdminHandler(admin, nil, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/cache", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, admin.cleared)
}

func TestAdminHandler_ClearFails(t *testing.T) {
	admin := &fakeCacheAdmin{err: weathergateway.NewStoreUnavailableError("cache store unavailable", errors.New("dial tcp"))}
	h := NewAdminHandler(admin, nil, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/cache", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", decodeError(t, w).Error)
}

func TestAdminHandler_Stats(t *testing.T) {
	resetAt := time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC)
	admin := &fakeCacheAdmin{stats: cache.CacheStats{Hits: 4, Misses: 2, Items: 2, Size: 512}}
	h := NewAdminHandler(admin, fakeBudget{usage: &quota.Usage{Calls: 3, Limit: 1000, ResetAt: resetAt}}, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/cache", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"cache": {"hits": 4, "misses": 2, "items": 2, "size_bytes": 512},
		"upstream_budget": {"limit": 1000, "used": 3, "remaining": 997, "reset_at": "2024-07-02T00:00:00Z"}
	}`, w.Body.String())
}

type fakeAccounts []weather.MemberStats

func (f fakeAccounts) Stats() []weather.MemberStats { return f }

func TestAdminHandler_Accounts(t *testing.T) {
	accounts := fakeAccounts{
		{Name: "account-1", Enabled: true, Requests: 7},
		{Name: "account-2", Enabled: false, Requests: 1, Failures: 1},
	}
	h := NewAdminHandler(&fakeCacheAdmin{}, nil, nil).WithAccounts(accounts)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/cache", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"cache": {"hits": 0, "misses": 0, "items": 0, "size_bytes": 0},
		"upstream_accounts": [
			{"name": "account-1", "enabled": true, "active": 0, "requests": 7, "failures": 0},
			{"name": "account-2", "enabled": false, "active": 0, "requests": 1, "failures": 1}
		]
	}`, w.Body.String())
}

func TestAdminHandler_MethodNotAllowed(t *testing.T) {
	h := NewAdminHandler(&fakeCacheAdmin{}, nil, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/admin/cache", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, DELETE", w.Header().Get("Allow"))
}
