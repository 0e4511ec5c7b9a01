package proxy

import "time"

// DefaultMinTTL is the shortest TTL AlignToDay will shrink an entry to
const DefaultMinTTL = time.Minute

// TTLPolicy decides how long a fetched payload stays cached
type TTLPolicy struct {
	// TTL is the configured lifetime; <= 0 disables caching
	TTL time.Duration

	// AlignToDay caps entries for the current day so they expire at its end
	AlignToDay bool

	// MinTTL is the lower bound applied when aligning
	MinTTL time.Duration
}

// Effective returns the TTL for an entry about day written at now. day is the
// start of the requested day in its location.
func (p TTLPolicy) Effective(day, now time.Time) time.Duration {
	if p.TTL <= 0 {
		return 0
	}
	if !p.AlignToDay {
		return p.TTL
	}

	end := day.AddDate(0, 0, 1)
	if now.Before(day) || !now.Before(end) {
		// past days do not change, future days are still far from rolling over
		return p.TTL
	}

	minTTL := p.MinTTL
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}
	return min(p.TTL, max(end.Sub(now), minTTL))
}
