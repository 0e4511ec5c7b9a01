package ratelimit

import (
	"context"
	"errors"
	"sort"
)

// Tier is one rate enforced by a stacked limiter
type Tier struct {
	Rate    Rate
	Limiter Limiter
}

// stacked admits a request only when every tier admits it. Tiers run from
// the shortest window up and stop at the first rejection, so a request
// rejected by a longer window still counts against the shorter ones.
type stacked struct {
	tiers []Tier
}

// NewStacked combines tiers into one limiter. Each tier sees the key
// prefixed with its rate so tiers may share a store. A single tier is
// returned unwrapped.
func NewStacked(tiers ...Tier) Limiter {
	if len(tiers) == 1 {
		return tiers[0].Limiter
	}

	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rate.Window < sorted[j].Rate.Window
	})
	return &stacked{tiers: sorted}
}

// Allow returns the rejecting tier's decision, or when all admit, the
// decision with the fewest requests remaining
func (s *stacked) Allow(ctx context.Context, key string) (Decision, error) {
	var tightest Decision
	for i, tier := range s.tiers {
		d, err := tier.Limiter.Allow(ctx, tierKey(tier, key))
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		if i == 0 || d.Remaining < tightest.Remaining {
			tightest = d
		}
	}
	return tightest, nil
}

// Reset clears key in every tier
func (s *stacked) Reset(ctx context.Context, key string) error {
	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Limiter.Reset(ctx, tierKey(tier, key)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func tierKey(tier Tier, key string) string {
	return tier.Rate.String() + ":" + key
}
