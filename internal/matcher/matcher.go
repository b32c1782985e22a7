package matcher

import (
	"context"
	"sort"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/route"
)

const (
	defaultProfitPerMinute = 30.0
	defaultCostPerMinute   = 2.0

	carbonCarPerMinute          = 2.83
	carbonBusPerPassengerMinute = 0.885
)

// Durations resolves travel time between two points; route.DirectionsClient
// satisfies it.
type Durations interface {
	Resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error)
}

// Candidate is a queued ride with its stops already resolved.
type Candidate struct {
	Ride  *models.Ride
	Start models.Stop
	End   models.Stop
}

type Service struct {
	Durations       Durations // optional live lookups
	DefaultSpeedMps float64
	ProfitPerMinute float64
	CostPerMinute   float64
}

// Rank scores every candidate that has at least one paid passenger for a
// driver at loc, best first. The score favours full, long rides that are
// close to the driver.
func (s *Service) Rank(ctx context.Context, loc models.Coord, cands []Candidate) []models.Assignment {
	profit := s.ProfitPerMinute
	if profit <= 0 {
		profit = defaultProfitPerMinute
	}
	cost := s.CostPerMinute
	if cost <= 0 {
		cost = defaultCostPerMinute
	}

	out := make([]models.Assignment, 0, len(cands))
	for _, c := range cands {
		n := float64(c.Ride.NumPassengers())
		if n == 0 {
			continue
		}
		tripMin := c.Ride.EstimatedDuration
		if tripMin <= 0 {
			tripMin = s.minutes(ctx, c.Start.Loc, c.End.Loc)
		}
		arriveMin := s.minutes(ctx, loc, c.Start.Loc)

		score := n*(tripMin*profit)*n - cost*(tripMin+arriveMin)
		carbon := carbonCarPerMinute*n*tripMin - carbonBusPerPassengerMinute*n*(tripMin+arriveMin)
		out = append(out, models.Assignment{
			RideID:        c.Ride.ID,
			NumPassengers: c.Ride.NumPassengers(),
			Passengers:    append([]string(nil), c.Ride.Passengers...),
			StartName:     c.Start.Name,
			StartLoc:      c.Start.Loc,
			EndName:       c.End.Name,
			EndLoc:        c.End.Loc,
			TimeStartEnd:  tripMin,
			TimeVehArrive: arriveMin,
			Score:         score,
			CarbonSaved:   carbon,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (s *Service) Best(ctx context.Context, loc models.Coord, cands []Candidate) (models.Assignment, bool) {
	ranked := s.Rank(ctx, loc, cands)
	if len(ranked) == 0 {
		return models.Assignment{}, false
	}
	return ranked[0], true
}

func (s *Service) minutes(ctx context.Context, from, to models.Coord) float64 {
	if s.Durations != nil {
		if est, err := s.Durations.Resolve(ctx, from, to); err == nil {
			return est.DurationMinutes
		}
		// fall back to the straight-line estimate
	}
	return route.EstimateSeconds(from, to, s.DefaultSpeedMps) / 60.0
}
