package weather

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Strategy selects the pool member that serves the next fetch
type Strategy string

const (
	// RoundRobin spreads fetches evenly across members
	RoundRobin Strategy = "round_robin"
	// LeastActive picks the member with the fewest fetches in flight
	LeastActive Strategy = "least_active"
)

// PoolMember is a named client in a Pool. Names appear in stats and logs,
// so they must not contain the API key.
type PoolMember struct {
	Name   string
	Client Client
}

type poolMember struct {
	name     string
	client   Client
	active   atomic.Int32
	requests atomic.Uint64
	failures atomic.Uint64
	disabled atomic.Bool
}

// Pool spreads upstream fetches across several clients, typically one per
// provider account. A member whose credentials are rejected is taken out of
// rotation. A failed fetch is never retried on another member.
type Pool struct {
	members  []*poolMember
	strategy Strategy
	counter  atomic.Uint64
}

// NewPool creates a pool over members
func NewPool(strategy Strategy, members ...PoolMember) (*Pool, error) {
	if len(members) == 0 {
		return nil, errors.New("at least one pool member is required")
	}
	switch strategy {
	case "":
		strategy = RoundRobin
	case RoundRobin, LeastActive:
	default:
		return nil, fmt.Errorf("unknown pool strategy %q", strategy)
	}

	p := &Pool{strategy: strategy, members: make([]*poolMember, len(members))}
	for i, m := range members {
		if m.Client == nil {
			return nil, fmt.Errorf("pool member %d has no client", i)
		}
		name := m.Name
		if name == "" {
			name = fmt.Sprintf("member-%d", i+1)
		}
		p.members[i] = &poolMember{name: name, client: m.Client}
	}
	return p, nil
}

// Fetch implements Client.Fetch on the selected member
func (p *Pool) Fetch(ctx context.Context, location, day string) ([]byte, error) {
	m := p.pick()
	if m == nil {
		return nil, &Error{Kind: KindUnauthorized, Detail: "every pooled credential has been rejected"}
	}

	m.active.Add(1)
	m.requests.Add(1)
	defer m.active.Add(-1)

	raw, err := m.client.Fetch(ctx, location, day)
	if err != nil {
		m.failures.Add(1)
		if KindOf(err) == KindUnauthorized {
			m.disabled.Store(true)
		}
		return nil, err
	}
	return raw, nil
}

func (p *Pool) pick() *poolMember {
	healthy := make([]*poolMember, 0, len(p.members))
	for _, m := range p.members {
		if !m.disabled.Load() {
			healthy = append(healthy, m)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	if p.strategy == LeastActive {
		selected := healthy[0]
		for _, m := range healthy[1:] {
			if m.active.Load() < selected.active.Load() {
				selected = m
			}
		}
		return selected
	}

	n := p.counter.Add(1)
	return healthy[int((n-1)%uint64(len(healthy)))]
}

// MemberStats describes one pool member
type MemberStats struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Active   int32  `json:"active"`
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
}

// Stats returns a snapshot per member, in configuration order
func (p *Pool) Stats() []MemberStats {
	stats := make([]MemberStats, len(p.members))
	for i, m := range p.members {
		stats[i] = MemberStats{
			Name:     m.name,
			Enabled:  !m.disabled.Load(),
			Active:   m.active.Load(),
			Requests: m.requests.Load(),
			Failures: m.failures.Load(),
		}
	}
	return stats
}

var _ Client = (*Pool)(nil)
