package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronicle-labs/chronicle/internal/clock"
)

const keyPrefix = "ratelimit:"

// checkAndConsume runs the whole window decision atomically on the server.
// KEYS[1] = counter hash; ARGV = now_ms, window_ms, quota.
// Returns {allowed(0|1), count, reset_at_ms}.
var checkAndConsume = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local quota = tonumber(ARGV[3])
local count = redis.call('HGET', KEYS[1], 'count')
local reset = redis.call('HGET', KEYS[1], 'reset_at')
if (not count) or now > tonumber(reset) then
  local resetAt = now + window
  redis.call('HSET', KEYS[1], 'count', 1, 'reset_at', resetAt)
  redis.call('PEXPIRE', KEYS[1], window * 2)
  return {1, 1, resetAt}
end
count = tonumber(count)
if count >= quota then
  return {0, count, tonumber(reset)}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, tonumber(reset)}
`)

// Redis is a Limiter shared by every server instance pointing at the same
// Redis. "now" comes from the injected clock, not the Redis server, so
// windows stay deterministic under test.
type Redis struct {
	rdb   *redis.Client
	rules Rules
	clk   clock.Clock
}

func NewRedis(rdb *redis.Client, rules Rules, clk clock.Clock) *Redis {
	return &Redis{rdb: rdb, rules: rules, clk: clk}
}

func redisKey(identity string, class Class) string {
	return keyPrefix + string(class) + ":" + normalize(identity)
}

func (r *Redis) CheckAndConsume(ctx context.Context, identity string, class Class) (Decision, error) {
	rule := r.rules.For(class)
	now := r.clk.Now()
	if rule.Quota <= 0 {
		return Decision{Allowed: true, ResetAt: now.Add(rule.Window)}, nil
	}

	res, err := checkAndConsume.Run(ctx, r.rdb,
		[]string{redisKey(identity, class)},
		now.UnixMilli(), rule.Window.Milliseconds(), rule.Quota,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit script: unexpected reply length %d", len(res))
	}
	return Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Quota:   rule.Quota,
		ResetAt: msToTime(res[2]),
	}, nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
