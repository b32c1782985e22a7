package fleet

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// claimScript sets both directions of the assignment atomically.
// Returns 1 on success or re-claim, -1 when the vehicle is held by someone
// else, -2 when the driver already holds another vehicle.
var claimScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder then
  if holder == ARGV[1] then return 1 end
  return -1
end
if redis.call("EXISTS", KEYS[2]) == 1 then return -2 end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

// releaseScript deletes only when the caller is the holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`)

type RedisRegistry struct {
	client redis.UniversalClient
}

func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Claim(ctx context.Context, plate, driverID string) error {
	res, err := claimScript.Run(ctx, r.client, []string{vehicleKey(plate), driverKey(driverID)}, driverID, plate).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrVehicleUnavailable
	case -2:
		return ErrDriverHasVehicle
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, plate, driverID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{vehicleKey(plate), driverKey(driverID)}, driverID).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHolder
	}
	return nil
}

func (r *RedisRegistry) VehicleOf(ctx context.Context, driverID string) (string, bool, error) {
	p, err := r.client.Get(ctx, driverKey(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

func vehicleKey(plate string) string { return "vehicle:holder:" + plate }
func driverKey(id string) string     { return "driver:vehicle:" + id }
