package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lab-store/internal/port"
)

const (
	stockKeyPrefix    = "stock:available:"
	idempotencyKeyTTL = 24 * time.Hour
)

// setAvailableScript writes the snapshot only when its version is newer than
// the stored one, so a late writer never overwrites a fresher count.
var setAvailableScript = redis.NewScript(`
local key = KEYS[1]
local available = tonumber(ARGV[1])
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'available', available, 'version', version)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) SetAvailable(ctx context.Context, snapshots ...port.StockSnapshot) error {
	var errs []error
	for _, s := range snapshots {
		key := stockKeyPrefix + s.ItemID
		if err := setAvailableScript.Run(ctx, r.client, []string{key}, s.Available, s.Version).Err(); err != nil {
			errs = append(errs, fmt.Errorf("set snapshot %s: %w", s.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *RedisAdapter) GetAvailable(ctx context.Context, itemID string) (int, bool, error) {
	available, err := r.client.HGet(ctx, stockKeyPrefix+itemID, "available").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return available, true, nil
}
