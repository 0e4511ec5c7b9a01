package weathergateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in and out of the gateway
const RequestIDHeader = "X-Request-ID"

type contextKey struct{}

// Context follows one inbound request from the gateway through the proxy.
// Handlers and the orchestrator exchange per-request values, such as the rate
// limit decision, through Set and Get.
type Context struct {
	RequestID string
	ClientID  string
	Received  time.Time

	mu     sync.RWMutex
	values map[string]any
}

// NewContext starts the context of req. An incoming X-Request-ID is kept
// when it parses as a UUID so callers can correlate logs; anything else is
// replaced.
func NewContext(req *http.Request) *Context {
	rc := &Context{Received: time.Now()}
	if req != nil {
		if id, err := uuid.Parse(req.Header.Get(RequestIDHeader)); err == nil {
			rc.RequestID = id.String()
		}
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	return rc
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get returns the value stored under key, or nil
func (c *Context) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// Elapsed is the time since the request was received
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.Received)
}

func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the request context stored in ctx, if any
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(contextKey{}).(*Context)
	return rc, ok
}

// RequestIDFromContext returns the request ID stored in ctx or ""
func RequestIDFromContext(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.RequestID
	}
	return ""
}
