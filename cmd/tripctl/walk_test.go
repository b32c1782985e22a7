package main

import (
	"math"
	"testing"

	"github.com/example/ride-tracking/internal/models"
)

func TestWalkerFollowsPath(t *testing.T) {
	path := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.01}, {Lat: 0.01, Lon: 0.01}}
	w := newWalker(path, 100)
	total := w.length()
	if total < 2200 || total > 2250 {
		t.Fatalf("unexpected length %.0f", total)
	}

	pos, done := w.at(0)
	if done || pos != path[0] {
		t.Fatalf("start: %+v %v", pos, done)
	}
	half := (total / 2) / 100
	pos, done = w.at(half)
	if done || math.Abs(pos.Lat) > 1e-6 || math.Abs(pos.Lon-0.01) > 1e-4 {
		t.Fatalf("halfway should be at the corner, got %+v", pos)
	}
	pos, done = w.at(total/100 + 1)
	if !done || pos != path[2] {
		t.Fatalf("end: %+v %v", pos, done)
	}
}

func TestWalkerEmptyPath(t *testing.T) {
	if _, done := newWalker(nil, 10).at(5); !done {
		t.Fatal("empty path should be done")
	}
}
