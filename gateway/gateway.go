// Package gateway wires the HTTP routes of the weather gateway and the
// middleware shared by all of them.
package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/handler"
	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/metrics"
)

// DefaultVersion is reported when WithVersion is not used
const DefaultVersion = "dev"

// Service is the weather proxy behind the gateway
type Service interface {
	handler.Weather
	handler.CacheAdmin
}

// Gateway is the main HTTP handler
type Gateway struct {
	service           Service
	mux               *http.ServeMux
	cors              *CORSConfig
	metrics           *metrics.Metrics
	gatherer          prometheus.Gatherer
	logger            *zap.Logger
	trustProxyHeaders bool
	admin             bool
	budget            handler.BudgetReporter
	accounts          handler.AccountReporter
	version           string
}

// New creates a gateway serving service
func New(service Service, opts ...Option) *Gateway {
	g := &Gateway{
		service: service,
		mux:     http.NewServeMux(),
		version: DefaultVersion,
	}

	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)

	g.setupRoutes()

	return g
}

func (g *Gateway) setupRoutes() {
	weather := handler.NewWeatherHandler(g.service, g.logger)
	g.mux.Handle("/weather/{location}", weather)
	g.mux.Handle("/weather", weather)

	g.mux.Handle("/{$}", handler.NewInfoHandler(g.version))
	g.mux.Handle("/openapi.json", handler.NewOpenAPIHandler(g.version))
	g.mux.Handle("/docs", handler.NewDocsHandler())
	g.mux.HandleFunc("/health", g.handleHealth)

	if g.admin {
		admin := handler.NewAdminHandler(g.service, g.budget, g.logger)
		if g.accounts != nil {
			admin.WithAccounts(g.accounts)
		}
		g.mux.Handle("/admin/cache", admin)
	}

	if g.gatherer != nil {
		g.mux.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}

	g.mux.HandleFunc("/", g.handleNotFound)
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := weathergateway.NewContext(r)
	rc.ClientID = g.clientID(r)
	r = r.WithContext(weathergateway.WithContext(r.Context(), rc))
	w.Header().Set(weathergateway.RequestIDHeader, rc.RequestID)

	done := g.metrics.RequestStarted()
	defer done()

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

	if g.cors == nil || !g.cors.apply(rw, r) {
		g.mux.ServeHTTP(rw, r)
	}

	_, endpoint := g.mux.Handler(r)
	elapsed := rc.Elapsed()
	g.metrics.ObserveRequest(endpoint, strconv.Itoa(rw.status), elapsed)

	g.logger.Info("request",
		zap.String("request_id", rc.RequestID),
		zap.String("client_id", rc.ClientID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("endpoint", endpoint),
		zap.Int("status", rw.status),
		zap.Int("bytes", rw.size),
		zap.Duration("duration", elapsed),
		zap.String("cache", rw.Header().Get(handler.HeaderCache)),
		zap.String("user_agent", r.UserAgent()),
	)
}

// clientID identifies the caller for rate limiting. X-Forwarded-For is only
// honoured when the gateway runs behind a trusted proxy.
func (g *Gateway) clientID(r *http.Request) string {
	if g.trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	handler.WriteError(w, r, g.logger, handler.NewNotFoundError("no route for "+r.URL.Path))
}

// responseWriter captures the status and size for the access log
type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
