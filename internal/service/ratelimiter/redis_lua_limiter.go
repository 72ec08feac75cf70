// Package ratelimiter enforces the per-owner submission rate limit across
// three sliding windows (minute/hour/day) backed by Redis.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// WindowLimits is the admitted count per window before CheckAndRecord denies.
type WindowLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
	// FailOpen decides the behavior when Redis itself is unreachable: true
	// admits the request (logged), false denies it.
	FailOpen bool
}

// RedisLuaLimiter enforces WindowLimits with a single round trip per check:
// all three window counters increment atomically in one Lua script, so a
// denied request still counts against every window it touched (no amount of
// retrying lets a caller "peek" without being charged).
type RedisLuaLimiter struct {
	redis  *redis.Client
	limits WindowLimits
	script *redis.Script
}

// NewRedisLuaLimiter constructs a RedisLuaLimiter. rdb must not be nil.
func NewRedisLuaLimiter(rdb *redis.Client, limits WindowLimits) *RedisLuaLimiter {
	return &RedisLuaLimiter{redis: rdb, limits: limits, script: redis.NewScript(slidingWindowScript)}
}

// slidingWindowScript increments fixed-window counters keyed by owner and
// window, setting the TTL only on first creation, and returns which window
// (if any) exceeded its limit. Fixed windows are used rather than a true
// sliding log because the admission check must stay O(1) per request.
const slidingWindowScript = `
local minuteKey, hourKey, dayKey = KEYS[1], KEYS[2], KEYS[3]
local minuteLimit = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])

-- TTL is 2x the window length so a counter created near the end of its
-- window still covers the full next window, absorbing clock skew at window
-- boundaries instead of expiring early.
local minuteCount = redis.call("INCR", minuteKey)
if minuteCount == 1 then redis.call("EXPIRE", minuteKey, 120) end
local hourCount = redis.call("INCR", hourKey)
if hourCount == 1 then redis.call("EXPIRE", hourKey, 7200) end
local dayCount = redis.call("INCR", dayKey)
if dayCount == 1 then redis.call("EXPIRE", dayKey, 172800) end

local exceeded = ""
if minuteLimit > 0 and minuteCount > minuteLimit then
  exceeded = "minute"
elseif hourLimit > 0 and hourCount > hourLimit then
  exceeded = "hour"
elseif dayLimit > 0 and dayCount > dayLimit then
  exceeded = "day"
end

return { exceeded, minuteCount, hourCount, dayCount }
`

// CheckAndRecord implements domain.RateLimiter.
func (l *RedisLuaLimiter) CheckAndRecord(ctx domain.Context, ownerID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	now := time.Now().UTC()
	keys := []string{
		fmt.Sprintf("rate:%s:minute:%d", ownerID, now.Unix()/60),
		fmt.Sprintf("rate:%s:hour:%d", ownerID, now.Unix()/3600),
		fmt.Sprintf("rate:%s:day:%d", ownerID, now.Unix()/86400),
	}
	res, err := l.script.Run(ctx, l.redis, keys, l.limits.PerMinute, l.limits.PerHour, l.limits.PerDay).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("owner_id", ownerID), slog.Any("error", err))
		if l.limits.FailOpen {
			return nil
		}
		return fmt.Errorf("op=ratelimit.check: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		slog.Error("rate limiter unexpected script result", slog.String("owner_id", ownerID), slog.Any("result", res))
		return nil
	}
	window, _ := vals[0].(string)
	if window == "" {
		return nil
	}
	slog.Info("rate limit denied", slog.String("owner_id", ownerID), slog.String("window", window))
	return fmt.Errorf("op=ratelimit.check: window=%s: %w", window, domain.ErrRateLimited)
}
