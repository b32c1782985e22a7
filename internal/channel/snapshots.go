package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisSnapshots stores the last-known sample per trip so any API replica
// can answer a location read, not only the one holding the driver's socket.
type RedisSnapshots struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisSnapshots(client redis.UniversalClient, ttl time.Duration) *RedisSnapshots {
	return &RedisSnapshots{client: client, ttl: ttl}
}

// putIfNewer keeps the stored sample when it was captured later. Capture
// time orders samples across replicas, whose sequence counters differ.
var putIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "at")
if cur and tonumber(cur) > tonumber(ARGV[1]) then return 0 end
redis.call("HSET", KEYS[1], "at", ARGV[1], "sample", ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call("PEXPIRE", KEYS[1], ARGV[3]) end
return 1
`)

func (r *RedisSnapshots) Put(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return putIfNewer.Run(ctx, r.client, []string{snapshotKey(s.TripID)}, s.CapturedAt.UnixMilli(), string(b), r.ttl.Milliseconds()).Err()
}

func (r *RedisSnapshots) Get(ctx context.Context, tripID string) (models.LocationSample, bool, error) {
	v, err := r.client.HGet(ctx, snapshotKey(tripID), "sample").Result()
	if errors.Is(err, redis.Nil) {
		return models.LocationSample{}, false, nil
	}
	if err != nil {
		return models.LocationSample{}, false, err
	}
	var s models.LocationSample
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return models.LocationSample{}, false, err
	}
	return s, true, nil
}

func (r *RedisSnapshots) Delete(ctx context.Context, tripID string) error {
	return r.client.Del(ctx, snapshotKey(tripID)).Err()
}

func snapshotKey(tripID string) string { return "trip:last:" + tripID }
