package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

var ErrUnknownStop = errors.New("unknown stop")

// Directory is the read side of the stop catalogue used by bookings,
// dispatch and the stops endpoint.
type Directory interface {
	Stop(ctx context.Context, id int64) (models.Stop, error)
	List(ctx context.Context) ([]models.Stop, error)
	Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Stop, error)
}

type Index struct {
	mu    sync.RWMutex
	stops map[int64]models.Stop
}

func NewIndex(stops ...models.Stop) *Index {
	g := &Index{stops: make(map[int64]models.Stop, len(stops))}
	for _, s := range stops {
		g.stops[s.ID] = s
	}
	return g
}

func (g *Index) Upsert(_ context.Context, s models.Stop) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops[s.ID] = s
	return nil
}

func (g *Index) Stop(_ context.Context, id int64) (models.Stop, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.stops[id]
	if !ok {
		return models.Stop{}, ErrUnknownStop
	}
	return s, nil
}

func (g *Index) List(_ context.Context) ([]models.Stop, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Stop, 0, len(g.stops))
	for _, s := range g.stops {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// naive scan; the catalogue is small
func (g *Index) Nearby(_ context.Context, lat, lon float64, limit int) ([]models.Stop, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		s    models.Stop
		dist float64
	}
	arr := make([]pair, 0, len(g.stops))
	for _, s := range g.stops {
		arr = append(arr, pair{s, Haversine(lat, lon, s.Loc.Lat, s.Loc.Lon)})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Stop, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.s)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
