package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/proxy"
	"github.com/deeplooplabs/weather-gateway/ratelimit"
)

const (
	HeaderCache              = "X-Cache"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// Weather serves cached weather lookups
type Weather interface {
	Handle(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// WeatherHandler handles GET /weather/{location} and GET /weather?location=
type WeatherHandler struct {
	weather Weather
	logger  *zap.Logger
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(weather Weather, logger *zap.Logger) *WeatherHandler {
	return &WeatherHandler{
		weather: weather,
		logger:  logging.OrNop(logger),
	}
}

// ServeHTTP implements http.Handler
func (h *WeatherHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, r, h.logger, NewMethodNotAllowedError("only GET method is allowed"))
		return
	}

	location := r.PathValue("location")
	if location == "" {
		location = r.URL.Query().Get("location")
	}

	req := proxy.Request{
		Location: location,
		Day:      r.URL.Query().Get("date"),
	}
	rc, ok := weathergateway.FromContext(r.Context())
	if ok {
		req.ClientID = rc.ClientID
	}

	resp, err := h.weather.Handle(r.Context(), req)
	if ok {
		setRateLimitHeaders(w, rc)
	}
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}

	w.Header().Set(HeaderCache, string(resp.CacheStatus))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("write response", zap.String("request_id", weathergateway.RequestIDFromContext(r.Context())), zap.Error(err))
	}
}

func setRateLimitHeaders(w http.ResponseWriter, rc *weathergateway.Context) {
	decision, ok := rc.Get(proxy.MetadataRateLimit).(ratelimit.Decision)
	if !ok || decision.Limit <= 0 {
		return
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
	if decision.ResetAfter > 0 {
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(int64(math.Ceil(decision.ResetAfter.Seconds())), 10))
	}
}
