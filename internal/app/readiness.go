// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the subset of *redis.Client used to probe reachability of
// the shared Redis instance backing the event bus and rate limiter.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// BuildReadinessChecks returns the db and broker/cache readiness checks used
// by the /readyz handler. Unlike the teacher's Qdrant/Tika probes, this
// gateway's only hard external dependencies are Postgres and the Redis
// instance the event bus and rate limiter sit on. The Kafka/Redpanda broker
// is not probed: readiness does not consult it or the circuit breaker in
// front of it.
func BuildReadinessChecks(pool Pinger, redisClient RedisPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("op=readiness.db: db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if redisClient == nil {
			return fmt.Errorf("op=readiness.redis: redis not configured")
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("op=readiness.redis: %w", err)
		}
		return nil
	}
	return dbCheck, redisCheck
}
