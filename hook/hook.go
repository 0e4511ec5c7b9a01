package hook

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Hook is the base interface for all hooks
type Hook interface {
	// Name returns the unique name of this hook
	Name() string
}

// FetchInfo describes an upstream fetch about to happen or just finished
type FetchInfo struct {
	Location string
	Day      string
	Key      string
	// Forecast is set when the request named no day. The upstream is then
	// asked for its default forecast while Day still names the cached day.
	Forecast bool
}

// FetchHook is called around every upstream fetch. Cache hits never reach it.
type FetchHook interface {
	Hook
	// BeforeFetch may veto the fetch by returning an error
	BeforeFetch(ctx context.Context, info FetchInfo) error
	// AfterFetch observes the outcome; err is nil on success
	AfterFetch(ctx context.Context, info FetchInfo, err error)
}

// ErrorHook is called when an error occurs
type ErrorHook interface {
	Hook
	// OnError is called when a request fails with err
	OnError(ctx context.Context, err error)
}

// Registry manages registered hooks
type Registry struct {
	hooks      []Hook
	fetchHooks []FetchHook
	errorHooks []ErrorHook
	logger     *zap.Logger
}

// NewRegistry creates a new hook registry. A nil logger discards output.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		hooks:      make([]Hook, 0),
		fetchHooks: make([]FetchHook, 0),
		errorHooks: make([]ErrorHook, 0),
		logger:     logger,
	}
}

// Register registers a hook based on its concrete type. A hook implementing
// both interfaces is registered for both.
func (r *Registry) Register(hooks ...Hook) {
	for _, hook := range hooks {
		r.hooks = append(r.hooks, hook)

		known := false
		if h, ok := hook.(FetchHook); ok {
			r.fetchHooks = append(r.fetchHooks, h)
			known = true
		}
		if h, ok := hook.(ErrorHook); ok {
			r.errorHooks = append(r.errorHooks, h)
			known = true
		}
		if !known {
			r.logger.Warn("unknown hook type", zap.String("hook", hook.Name()), zap.String("type", fmt.Sprintf("%T", hook)))
		}
	}
}

// BeforeFetch runs fetch hooks in registration order and stops at the first veto
func (r *Registry) BeforeFetch(ctx context.Context, info FetchInfo) error {
	if r == nil {
		return nil
	}
	for _, h := range r.fetchHooks {
		if err := h.BeforeFetch(ctx, info); err != nil {
			return fmt.Errorf("hook %s: %w", h.Name(), err)
		}
	}
	return nil
}

// AfterFetch runs every fetch hook
func (r *Registry) AfterFetch(ctx context.Context, info FetchInfo, err error) {
	if r == nil {
		return
	}
	for _, h := range r.fetchHooks {
		h.AfterFetch(ctx, info, err)
	}
}

// OnError runs every error hook
func (r *Registry) OnError(ctx context.Context, err error) {
	if r == nil {
		return
	}
	for _, h := range r.errorHooks {
		h.OnError(ctx, err)
	}
}

// FetchHooks returns all fetch hooks
func (r *Registry) FetchHooks() []FetchHook {
	return r.fetchHooks
}

// ErrorHooks returns all error hooks
func (r *Registry) ErrorHooks() []ErrorHook {
	return r.errorHooks
}

// All returns all registered hooks
func (r *Registry) All() []Hook {
	return r.hooks
}
