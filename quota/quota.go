// Package quota tracks how many upstream calls the gateway has spent against
// a periodic budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrExhausted is returned when a budget has no calls left in the current period
var ErrExhausted = errors.New("upstream budget exhausted")

// Period is how often a budget starts over. Boundaries are in UTC.
type Period int

const (
	Hourly Period = iota
	Daily
	Monthly
	// Never means the budget is spent once and never refilled
	Never
)

// ParsePeriod accepts hourly, daily, monthly or never
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hourly":
		return Hourly, nil
	case "", "daily":
		return Daily, nil
	case "monthly":
		return Monthly, nil
	case "never":
		return Never, nil
	}
	return 0, fmt.Errorf("unknown budget period %q", s)
}

// next returns the start of the period following now, or zero for Never
func (p Period) next(now time.Time) time.Time {
	now = now.UTC()
	y, m, d := now.Date()
	switch p {
	case Hourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case Daily:
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Manager spends and reports named call budgets
type Manager interface {
	// Consume spends one call from the named budget when calls remain.
	// It returns false without spending when the budget is exhausted.
	Consume(ctx context.Context, name string) (bool, *Usage, error)

	Usage(ctx context.Context, name string) (*Usage, error)
}

// Usage is a snapshot of one budget
type Usage struct {
	Name        string
	Calls       int64
	Limit       int64 // 0 means unlimited
	ResetAt     time.Time
	LastUpdated time.Time
}

// Remaining returns the calls left, or -1 when unlimited
func (u *Usage) Remaining() int64 {
	if u.Limit == 0 {
		return -1
	}
	return max(u.Limit-u.Calls, 0)
}

// Config holds budget settings
type Config struct {
	// Limit is the number of calls per period; 0 is unlimited
	Limit  int64
	Period Period

	// Now returns the current time; nil means time.Now
	Now func() time.Time
}

// memoryManager keeps budgets in process. Periods roll over lazily on access.
type memoryManager struct {
	config Config

	mu      sync.Mutex
	budgets map[string]*Usage
}

// NewMemoryManager creates an in-process budget manager
func NewMemoryManager(config Config) Manager {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &memoryManager{
		config:  config,
		budgets: make(map[string]*Usage),
	}
}

// current returns the named budget, starting a new period when the last one
// ended. Caller holds mu.
func (m *memoryManager) current(name string, now time.Time) *Usage {
	u, ok := m.budgets[name]
	if !ok {
		u = &Usage{Name: name, Limit: m.config.Limit, ResetAt: m.config.Period.next(now)}
		m.budgets[name] = u
		return u
	}

	if !u.ResetAt.IsZero() && !now.Before(u.ResetAt) {
		u.Calls = 0
		u.ResetAt = m.config.Period.next(now)
		u.LastUpdated = now
	}
	return u
}

func (m *memoryManager) Consume(ctx context.Context, name string) (bool, *Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.config.Now()
	u := m.current(name, now)
	if u.Limit != 0 && u.Calls >= u.Limit {
		snapshot := *u
		return false, &snapshot, nil
	}

	u.Calls++
	u.LastUpdated = now
	snapshot := *u
	return true, &snapshot, nil
}

func (m *memoryManager) Usage(ctx context.Context, name string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := *m.current(name, m.config.Now())
	return &snapshot, nil
}
