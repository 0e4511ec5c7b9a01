package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	weathergateway "github.com/deeplooplabs/weather-gateway"
)

// RouteError is a routing failure that never reaches the proxy
type RouteError struct {
	Code    int
	Type    string
	Message string
}

func NewNotFoundError(msg string) *RouteError {
	return &RouteError{Code: http.StatusNotFound, Type: "not_found", Message: msg}
}

func NewMethodNotAllowedError(msg string) *RouteError {
	return &RouteError{Code: http.StatusMethodNotAllowed, Type: "method_not_allowed", Message: msg}
}

func (e *RouteError) Error() string {
	return e.Type + ": " + e.Message
}

// WriteError writes err as a JSON error body. Errors that are not a
// *RouteError or *weathergateway.ProxyError become 500s, and their text is
// logged but never sent to the client.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if re, ok := err.(*RouteError); ok {
		writeJSON(w, re.Code, weathergateway.ErrorResponse{Error: re.Type, Detail: re.Message})
		return
	}

	pe := weathergateway.AsProxyError(err)
	status := pe.HTTPStatus()
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			zap.String("request_id", weathergateway.RequestIDFromContext(r.Context())),
			zap.String("error_kind", pe.Kind.String()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	if pe.Kind == weathergateway.KindRateLimitExceeded {
		w.Header().Set("Retry-After", retryAfterSeconds(pe.RetryAfter))
	}
	writeJSON(w, status, pe.ToResponse())
}

// retryAfterSeconds rounds up to whole seconds, never below one
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
