package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/metrics"
)

// upgradeWindowScript keeps one sorted set of attempt timestamps (milliseconds) per
// key. Reconnect storms after a deploy arrive within the same second, so the window
// is tracked below second precision.
//
// Returns {allowed, resetAtMillis}.
var upgradeWindowScript = redis.NewScript(`
local key = KEYS[1]
local nowMs = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - windowMs)

if redis.call('ZCARD', key) >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if #oldest >= 2 then
        return {0, tonumber(oldest[2]) + windowMs}
    end
    return {0, nowMs + windowMs}
end

redis.call('ZADD', key, nowMs, nowMs .. '-' .. math.random())
redis.call('PEXPIRE', key, windowMs + 10000)
return {1, nowMs + windowMs}
`)

const upgradeLimitKeyPrefix = "relay:upgrade-limit:"

var errUnexpectedLimiterReply = errors.New("unexpected upgrade limit script reply")

// RateLimiter bounds glasses and TPA socket upgrades across every relay instance
// with a Redis sliding window.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckLimit records one attempt under key and reports whether it fits in limit per
// window. When Redis is unreachable the attempt is allowed: a cache outage must not
// lock every pair of glasses out of its session.
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now()

	result, err := upgradeWindowScript.Run(
		ctx,
		rl.client,
		[]string{upgradeLimitKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()

	if err == nil && len(result) != 2 {
		err = errUnexpectedLimiterReply
	}
	if err != nil {
		metrics.UpgradeLimiterFailOpen.Inc()
		log.Warn().
			Err(err).
			Str("limitKey", key).
			Int("limit", limit).
			Msg("upgrade limit check failed, allowing connection")
		return true, now.Add(window)
	}

	return result[0] == 1, time.UnixMilli(result[1])
}

func upgradeLimitKey(key string) string {
	return upgradeLimitKeyPrefix + key
}
