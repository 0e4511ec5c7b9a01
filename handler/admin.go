package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	weathergateway "github.com/deeplooplabs/weather-gateway"
	"github.com/deeplooplabs/weather-gateway/cache"
	"github.com/deeplooplabs/weather-gateway/logging"
	"github.com/deeplooplabs/weather-gateway/quota"
	"github.com/deeplooplabs/weather-gateway/weather"
)

// CacheAdmin exposes the administrative cache operations
type CacheAdmin interface {
	Clear(ctx context.Context) error
	CacheStats() cache.CacheStats
}

// BudgetReporter reports upstream budget usage
type BudgetReporter interface {
	Usage(ctx context.Context) (*quota.Usage, error)
}

// AccountReporter reports per-account upstream counters
type AccountReporter interface {
	Stats() []weather.MemberStats
}

// AdminHandler handles /admin/cache: DELETE clears the cache, GET reports
// cache counters and the upstream budget
type AdminHandler struct {
	cache    CacheAdmin
	budget   BudgetReporter
	accounts AccountReporter
	logger   *zap.Logger
}

// NewAdminHandler creates a new admin handler. budget may be nil.
func NewAdminHandler(cache CacheAdmin, budget BudgetReporter, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		cache:  cache,
		budget: budget,
		logger: logging.OrNop(logger),
	}
}

// WithAccounts adds the upstream account counters to GET responses
func (h *AdminHandler) WithAccounts(accounts AccountReporter) *AdminHandler {
	h.accounts = accounts
	return h
}

type cacheStatsResponse struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  uint64 `json:"items"`
	Size   uint64 `json:"size_bytes"`
}

type budgetResponse struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
}

type adminStatsResponse struct {
	Cache    cacheStatsResponse    `json:"cache"`
	Budget   *budgetResponse       `json:"upstream_budget,omitempty"`
	Accounts []weather.MemberStats `json:"upstream_accounts,omitempty"`
}

// ServeHTTP implements http.Handler
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodDelete:
		if err := h.cache.Clear(r.Context()); err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		h.logger.Info("cache cleared by admin request",
			zap.String("request_id", weathergateway.RequestIDFromContext(r.Context())))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		stats := h.cache.CacheStats()
		resp := adminStatsResponse{
			Cache: cacheStatsResponse{
				Hits:   stats.Hits,
				Misses: stats.Misses,
				Items:  stats.Items,
				Size:   stats.Size,
			},
		}
		if h.budget != nil {
			usage, err := h.budget.Usage(r.Context())
			if err != nil {
				WriteError(w, r, h.logger, weathergateway.NewInternalError("failed to read upstream budget", err))
				return
			}
			resp.Budget = &budgetResponse{
				Limit:     usage.Limit,
				Used:      usage.Calls,
				Remaining: usage.Remaining(),
				ResetAt:   usage.ResetAt,
			}
		}
		if h.accounts != nil {
			resp.Accounts = h.accounts.Stats()
		}
		writeJSON(w, http.StatusOK, resp)

	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteError(w, r, h.logger, NewMethodNotAllowedError("only GET and DELETE methods are allowed"))
	}
}
