package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestIndexLookupAndNearby(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(DefaultStops...)

	s, err := g.Stop(ctx, 7)
	if err != nil || s.Name != "KL Tower" {
		t.Fatalf("expected KL Tower, got %+v err=%v", s, err)
	}
	if _, err := g.Stop(ctx, 999); !errors.Is(err, ErrUnknownStop) {
		t.Fatalf("expected ErrUnknownStop, got %v", err)
	}
	near, _ := g.Nearby(ctx, 3.1532, 101.7039, 2)
	if len(near) != 2 || near[0].ID != 7 {
		t.Fatalf("expected KL Tower nearest, got %+v", near)
	}
	all, _ := g.List(ctx)
	if len(all) != len(DefaultStops) || all[0].ID != 1 {
		t.Fatalf("expected sorted catalogue of %d, got %d", len(DefaultStops), len(all))
	}
}

func TestRedisDirectory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	d := NewRedisDirectory(client, "stops_geo")
	if err := d.Seed(ctx, DefaultStops[:4]); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// second seed is a no-op once the set is populated
	if err := d.Seed(ctx, DefaultStops); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	s, err := d.Stop(ctx, 3)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Name != "KLIA1 Bus Terminal" || math.Abs(s.Loc.Lat-2.756717) > 1e-4 {
		t.Fatalf("unexpected stop %+v", s)
	}
	if _, err := d.Stop(ctx, 42); !errors.Is(err, ErrUnknownStop) {
		t.Fatalf("expected ErrUnknownStop, got %v", err)
	}
	all, err := d.List(ctx)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 stops, got %d err=%v", len(all), err)
	}
	near, err := d.Nearby(ctx, 3.1578, 101.7115, 1)
	if err != nil || len(near) != 1 || near[0].ID != 4 {
		t.Fatalf("expected Petronas Twin Towers nearest, got %+v err=%v", near, err)
	}

	_ = d.Upsert(ctx, models.Stop{ID: 50, Name: "Depot", Loc: models.Coord{Lat: 3.0, Lon: 101.6}})
	if s, _ := d.Stop(ctx, 50); s.Name != "Depot" {
		t.Fatalf("expected upserted stop, got %+v", s)
	}
}
