package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/handler"
	"github.com/deeplooplabs/weather-gateway/metrics"
)

// Option configures the Gateway
type Option func(*Gateway)

// WithMetrics records request metrics in m and serves gatherer on /metrics
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(g *Gateway) {
		g.metrics = m
		g.gatherer = gatherer
	}
}

// WithLogger sets the logger used for access logs and handler errors
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithCORS enables CORS headers
func WithCORS(cors *CORSConfig) Option {
	return func(g *Gateway) {
		g.cors = cors
	}
}

// WithTrustProxyHeaders identifies clients by the first X-Forwarded-For hop.
// Enable only behind a proxy that sets the header.
func WithTrustProxyHeaders(trust bool) Option {
	return func(g *Gateway) {
		g.trustProxyHeaders = trust
	}
}

// WithAdmin enables /admin/cache. budget may be nil.
func WithAdmin(budget handler.BudgetReporter) Option {
	return func(g *Gateway) {
		g.admin = true
		g.budget = budget
	}
}

// WithAccounts reports pooled upstream accounts on /admin/cache
func WithAccounts(accounts handler.AccountReporter) Option {
	return func(g *Gateway) {
		g.accounts = accounts
	}
}

// WithVersion sets the version reported by / and /openapi.json
func WithVersion(version string) Option {
	return func(g *Gateway) {
		g.version = version
	}
}
