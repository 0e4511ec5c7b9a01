package weather

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure
type Kind int

const (
	// KindOther covers 404, 5xx, unexpected statuses and undecodable bodies
	KindOther Kind = iota
	// KindInvalidLocation means the provider rejected the location (400)
	KindInvalidLocation
	// KindUnauthorized means the API key was rejected (401/403)
	KindUnauthorized
	// KindRateLimited means the provider throttled us (429)
	KindRateLimited
	// KindTimeout means the call hit its deadline or failed at the network level
	KindTimeout
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindInvalidLocation:
		return "invalid_location"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Error is returned by Client.Fetch for every failure
type Error struct {
	Kind   Kind
	Detail string
	// Status is the upstream HTTP status, 0 when no response was received
	Status int
	// Body is a truncated copy of the upstream body, for logs only
	Body string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("weather upstream %s", e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or KindOther when err is not an *Error
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindOther
}
