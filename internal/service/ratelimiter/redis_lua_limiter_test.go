package ratelimiter

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func newTestRedisLuaLimiter(t *testing.T, limits WindowLimits) (*RedisLuaLimiter, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, limits)
	return limiter, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestCheckAndRecord_NilLimiter_NoError(t *testing.T) {
	var limiter *RedisLuaLimiter
	assert.NoError(t, limiter.CheckAndRecord(context.Background(), "owner-1"))
}

func TestCheckAndRecord_UnderLimit_Allows(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 3, PerHour: 100, PerDay: 1000})
	defer cleanup()
	for i := 0; i < 3; i++ {
		assert.NoError(t, limiter.CheckAndRecord(context.Background(), "owner-1"))
	}
}

func TestCheckAndRecord_ExceedsMinuteWindow_Denies(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 2, PerHour: 100, PerDay: 1000})
	defer cleanup()
	ctx := context.Background()
	assert.NoError(t, limiter.CheckAndRecord(ctx, "owner-1"))
	assert.NoError(t, limiter.CheckAndRecord(ctx, "owner-1"))
	err := limiter.CheckAndRecord(ctx, "owner-1")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCheckAndRecord_DeniedAttemptsStillCount(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 1, PerHour: 100, PerDay: 1000})
	defer cleanup()
	ctx := context.Background()
	assert.NoError(t, limiter.CheckAndRecord(ctx, "owner-1"))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, limiter.CheckAndRecord(ctx, "owner-1"), domain.ErrRateLimited)
	}
}

func TestCheckAndRecord_DistinctOwnersDoNotShareWindows(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 1, PerHour: 100, PerDay: 1000})
	defer cleanup()
	ctx := context.Background()
	assert.NoError(t, limiter.CheckAndRecord(ctx, "owner-1"))
	assert.NoError(t, limiter.CheckAndRecord(ctx, "owner-2"))
}

func TestCheckAndRecord_ScriptError_FailOpen(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 1, FailOpen: true})
	cleanup()
	assert.NoError(t, limiter.CheckAndRecord(context.Background(), "owner-1"))
}

func TestCheckAndRecord_ScriptError_FailClosed(t *testing.T) {
	limiter, cleanup := newTestRedisLuaLimiter(t, WindowLimits{PerMinute: 1, FailOpen: false})
	cleanup()
	err := limiter.CheckAndRecord(context.Background(), "owner-1")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrRateLimited))
}
