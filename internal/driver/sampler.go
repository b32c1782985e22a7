package driver

import (
	"time"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// SamplePolicy decides how often a moving driver publishes. A reading is
// published when Interval has elapsed since the last publish or the driver
// moved at least Distance metres, whichever comes first.
type SamplePolicy struct {
	Interval time.Duration
	Distance float64
}

func DefaultSamplePolicy() SamplePolicy {
	return SamplePolicy{Interval: 5 * time.Second, Distance: 10}
}

type sampler struct {
	policy SamplePolicy
	last   models.Coord
	lastAt time.Time
	has    bool
}

func (s *sampler) due(loc models.Coord, at time.Time) bool {
	if !s.has {
		return true
	}
	if s.policy.Interval > 0 && at.Sub(s.lastAt) >= s.policy.Interval {
		return true
	}
	if s.policy.Distance > 0 && geo.Haversine(s.last.Lat, s.last.Lon, loc.Lat, loc.Lon) >= s.policy.Distance {
		return true
	}
	return false
}

func (s *sampler) mark(loc models.Coord, at time.Time) {
	s.last, s.lastAt, s.has = loc, at, true
}

func (s *sampler) reset() { s.has = false }
