package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const marketTTL = 10 * time.Minute

// MarketCache stores JSON market views.
//
// Key schema:
//
//	molt:market:{id} - hash, field "data" holds the JSON view and field
//	                   "seq" the sequence it reflects
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.rdb, ttl: marketTTL}
}

func MarketKey(id uint64) string {
	return "molt:market:" + strconv.FormatUint(id, 10)
}

// Set caches a view as of sequence. A write that is older than what is
// already cached is ignored so out-of-order writers cannot regress it.
func (mc *MarketCache) Set(ctx context.Context, id uint64, sequence int64, view any) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal market %d: %w", id, err)
	}

	key := MarketKey(id)
	if err := setIfNewer.Run(ctx, mc.rdb, []string{key}, sequence, data, mc.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis: set market %d: %w", id, err)
	}
	return nil
}

// Get decodes the cached view into dst. It returns ErrMiss when absent.
func (mc *MarketCache) Get(ctx context.Context, id uint64, dst any) error {
	data, err := mc.rdb.HGet(ctx, MarketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("redis: get market %d: %w", id, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("redis: unmarshal market %d: %w", id, err)
	}
	return nil
}

func (mc *MarketCache) Invalidate(ctx context.Context, id uint64) error {
	if err := mc.rdb.Del(ctx, MarketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %d: %w", id, err)
	}
	return nil
}

// KEYS[1] market key; ARGV[1] sequence, ARGV[2] data, ARGV[3] ttl ms.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)
