package main

import (
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// walker moves along a polyline path at a constant speed.
type walker struct {
	path  []models.Coord
	cum   []float64 // distance from path[0] to path[i], metres
	speed float64   // metres per second
}

func newWalker(path []models.Coord, speed float64) *walker {
	w := &walker{path: path, speed: speed, cum: make([]float64, len(path))}
	for i := 1; i < len(path); i++ {
		w.cum[i] = w.cum[i-1] + geo.Haversine(path[i-1].Lat, path[i-1].Lon, path[i].Lat, path[i].Lon)
	}
	return w
}

func (w *walker) length() float64 {
	if len(w.cum) == 0 {
		return 0
	}
	return w.cum[len(w.cum)-1]
}

// at returns the position after secs seconds and whether the end was reached.
func (w *walker) at(secs float64) (models.Coord, bool) {
	if len(w.path) == 0 {
		return models.Coord{}, true
	}
	d := secs * w.speed
	if d >= w.length() {
		return w.path[len(w.path)-1], true
	}
	i := 1
	for i < len(w.cum) && w.cum[i] < d {
		i++
	}
	a, b := w.path[i-1], w.path[i]
	seg := w.cum[i] - w.cum[i-1]
	if seg == 0 {
		return b, false
	}
	f := (d - w.cum[i-1]) / seg
	return models.Coord{Lat: a.Lat + (b.Lat-a.Lat)*f, Lon: a.Lon + (b.Lon-a.Lon)*f}, false
}
