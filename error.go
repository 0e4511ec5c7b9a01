package weathergateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies every failure the proxy can return to a client
type ErrorKind int

const (
	// KindInternal is an unexpected failure inside the gateway
	KindInternal ErrorKind = iota
	// KindInvalidRequest is a bad or missing location/date
	KindInvalidRequest
	// KindRateLimitExceeded means the client used up its quota for the window
	KindRateLimitExceeded
	// KindUpstreamUnauthorized means the provider rejected our API credentials
	KindUpstreamUnauthorized
	// KindUpstreamTimeout means the provider could not be reached in time
	KindUpstreamTimeout
	// KindUpstreamUnavailable means the provider answered with an error
	KindUpstreamUnavailable
	// KindInternalStoreUnavailable means a backing store was down and the policy is to reject
	KindInternalStoreUnavailable
)

// String returns the stable machine-readable code for the kind
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindUpstreamUnauthorized:
		return "upstream_unauthorized"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindInternalStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the HTTP status code a kind maps to
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindInternalStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ProxyError represents an error that can be returned to the client
type ProxyError struct {
	Kind   ErrorKind
	Detail string
	// Status overrides Kind.HTTPStatus() when non-zero
	Status int
	// RetryAfter is a hint for the Retry-After header (rate limits only)
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (inner: %v)", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the wrapped error
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code to respond with
func (e *ProxyError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.HTTPStatus()
}

// ErrorResponse is the JSON body written for every failed request
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// ToResponse converts the ProxyError to its JSON response body
func (e *ProxyError) ToResponse() *ErrorResponse {
	return &ErrorResponse{
		Error:  e.Kind.String(),
		Detail: e.Detail,
	}
}

// AsProxyError returns err as a *ProxyError, wrapping unknown errors as internal
func AsProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return NewInternalError("internal server error", err)
}

// IsKind reports whether err is a *ProxyError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProxyError
	return errors.As(err, &pe) && pe.Kind == kind
}

// NewInvalidRequestError creates a new validation error (400)
func NewInvalidRequestError(detail string) *ProxyError {
	return &ProxyError{Kind: KindInvalidRequest, Detail: detail}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(detail string, retryAfter time.Duration) *ProxyError {
	return &ProxyError{Kind: KindRateLimitExceeded, Detail: detail, RetryAfter: retryAfter}
}

// NewUpstreamUnauthorizedError creates a new upstream credentials error (401)
func NewUpstreamUnauthorizedError(detail string, inner error) *ProxyError {
	return &ProxyError{Kind: KindUpstreamUnauthorized, Detail: detail, Err: inner}
}

// NewUpstreamTimeoutError creates a new upstream timeout error (504)
func NewUpstreamTimeoutError(detail string, inner error) *ProxyError {
	return &ProxyError{Kind: KindUpstreamTimeout, Detail: detail, Err: inner}
}

// NewUpstreamUnavailableError creates a new upstream failure error (502)
func NewUpstreamUnavailableError(detail string, inner error) *ProxyError {
	return &ProxyError{Kind: KindUpstreamUnavailable, Detail: detail, Err: inner}
}

// NewStoreUnavailableError creates a new store outage error (503)
func NewStoreUnavailableError(detail string, inner error) *ProxyError {
	return &ProxyError{Kind: KindInternalStoreUnavailable, Detail: detail, Err: inner}
}

// NewInternalError creates a new internal error (500)
func NewInternalError(detail string, inner error) *ProxyError {
	return &ProxyError{Kind: KindInternal, Detail: detail, Err: inner}
}
