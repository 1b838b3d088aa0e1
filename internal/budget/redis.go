package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - 3600000)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - 86400000)
local hourCap = tonumber(ARGV[2])
local dayCap = tonumber(ARGV[3])
if hourCap > 0 and redis.call('ZCARD', KEYS[1]) >= hourCap then
  return 0
end
if dayCap > 0 and redis.call('ZCARD', KEYS[2]) >= dayCap then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('ZADD', KEYS[2], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], 3600000)
redis.call('PEXPIRE', KEYS[2], 86400000)
return 1
`)

// RedisManager shares the residential budget across processes using sorted sets.
type RedisManager struct {
	client redis.Cmdable
	prefix string
	limits Limits
	now    func() time.Time
}

// NewRedisManager constructs a RedisManager. now may be nil.
func NewRedisManager(client redis.Cmdable, prefix string, limits Limits, now func() time.Time) *RedisManager {
	if prefix == "" {
		prefix = "residential:budget"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisManager{client: client, prefix: prefix, limits: limits, now: now}
}

// Allow prunes both windows and records the request only if both have room.
func (r *RedisManager) Allow(ctx context.Context, key string) (bool, error) {
	res, err := allowScript.Run(ctx, r.client,
		[]string{r.prefix + ":" + key + ":hour", r.prefix + ":" + key + ":day"},
		r.now().UnixMilli(), r.limits.MaxPerHour, r.limits.MaxPerDay, uuid.NewString(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("residential budget: %w", err)
	}
	return res == 1, nil
}

var _ Limiter = (*RedisManager)(nil)
