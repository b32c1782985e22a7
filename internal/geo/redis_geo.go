package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisDirectory keeps stop coordinates in a GEO set and names in a hash
// per stop so several API replicas share one catalogue.
type RedisDirectory struct {
	client redis.UniversalClient
	key    string
}

func NewRedisDirectory(client redis.UniversalClient, key string) *RedisDirectory {
	return &RedisDirectory{client: client, key: key}
}

func (r *RedisDirectory) Upsert(ctx context.Context, s models.Stop) error {
	member := strconv.FormatInt(s.ID, 10)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Loc.Lon, Latitude: s.Loc.Lat, Name: member})
		p.HSet(ctx, metaKey(s.ID), "name", s.Name)
		return nil
	})
	return err
}

func (r *RedisDirectory) Stop(ctx context.Context, id int64) (models.Stop, error) {
	pos, err := r.client.GeoPos(ctx, r.key, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return models.Stop{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Stop{}, ErrUnknownStop
	}
	name, err := r.client.HGet(ctx, metaKey(id), "name").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Stop{}, err
	}
	return models.Stop{ID: id, Name: name, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}, nil
}

func (r *RedisDirectory) List(ctx context.Context) ([]models.Stop, error) {
	members, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Stop, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stop member %q: %w", m, err)
		}
		s, err := r.Stop(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisDirectory) Nearby(ctx context.Context, lat, lon float64, limit int) ([]models.Stop, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 50, Unit: "km", WithCoord: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Stop, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		s := models.Stop{ID: id, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if name, err := r.client.HGet(ctx, metaKey(id), "name").Result(); err == nil {
			s.Name = name
		}
		out = append(out, s)
	}
	return out, nil
}

// Seed writes stops that are not yet present.
func (r *RedisDirectory) Seed(ctx context.Context, stops []models.Stop) error {
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, s := range stops {
		if err := r.Upsert(ctx, s); err != nil {
			return fmt.Errorf("seed stop %d: %w", s.ID, err)
		}
	}
	return nil
}

func metaKey(id int64) string { return "stop:meta:" + strconv.FormatInt(id, 10) }
