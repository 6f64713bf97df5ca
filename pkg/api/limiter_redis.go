package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript refills and consumes a token bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore shares per-client token buckets across replicas.
type RedisLimiterStore struct {
	client *redis.Client
	rps    float64
	burst  int
	prefix string
}

// NewRedisLimiterStore creates a store backed by Redis at addr.
func NewRedisLimiterStore(addr string, rps float64, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  500 * time.Millisecond,
			ReadTimeout:  250 * time.Millisecond,
			WriteTimeout: 250 * time.Millisecond,
		}),
		rps:    rps,
		burst:  burst,
		prefix: "foodtrace:ratelimit:",
	}
}

// Allow consumes one token for key.
func (s *RedisLimiterStore) Allow(ctx context.Context, key string) (bool, error) {
	rate := s.rps
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + key}, rate, s.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Ping checks connectivity.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisLimiterStore) Close() error {
	return s.client.Close()
}
