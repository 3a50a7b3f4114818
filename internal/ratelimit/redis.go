package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters expire a little after their window so late readers still see them.
const redisExpiryGrace = 5 * time.Minute

// windowScript creates the window hash on first use and increments it while
// below its snapshot. Returns {count, limit, incremented}.
var windowScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'limit', ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], 'count', 0)
  redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count < limit then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count, limit, 1}
end
return {count, limit, 0}
`)

// burstScript increments the window's burst counter while below the allowance. Returns
// {usage, incremented}.
var burstScript = redis.NewScript(`
local usage = tonumber(redis.call('GET', KEYS[1]) or '0')
if usage >= tonumber(ARGV[1]) then
  return {usage, 0}
end
usage = redis.call('INCR', KEYS[1])
if usage == 1 then
  redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return {usage, 1}
`)

// RedisStore keeps counters in Redis. Each increment runs as one Lua script,
// which Redis executes atomically.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced under prefix.
func NewRedisStore(rdb redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// ConnectRedis parses url, connects and pings.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) windowKey(k WindowKey) string {
	return s.prefix + ":w:" + k.APIKeyID + ":" + strconv.FormatInt(k.Start.Unix(), 10) + ":" + k.Endpoint
}

func (s *RedisStore) burstKey(k WindowKey) string {
	return s.prefix + ":b:" + k.APIKeyID + ":" + strconv.FormatInt(k.Start.Unix(), 10) + ":" + k.Endpoint
}

// IncrementWindow implements CounterStore.
func (s *RedisStore) IncrementWindow(ctx context.Context, key WindowKey, limit int64) (WindowResult, error) {
	expireAt := key.End().Add(redisExpiryGrace).Unix()
	vals, err := windowScript.Run(ctx, s.rdb, []string{s.windowKey(key)}, limit, expireAt).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("increment rate limit window: %w", err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("increment rate limit window: unexpected reply %v", vals)
	}
	return WindowResult{Count: vals[0], Limit: vals[1], Incremented: vals[2] == 1}, nil
}

// IncrementBurst implements CounterStore.
func (s *RedisStore) IncrementBurst(ctx context.Context, key WindowKey, allowance int64) (int64, bool, error) {
	if allowance <= 0 {
		return 0, false, nil
	}
	expireAt := key.End().Add(redisExpiryGrace).Unix()
	vals, err := burstScript.Run(ctx, s.rdb, []string{s.burstKey(key)}, allowance, expireAt).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("increment burst counter: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("increment burst counter: unexpected reply %v", vals)
	}
	return vals[0], vals[1] == 1, nil
}
