// Package circuitbreaker wraps a domain.WorkQueue with a circuit breaker so
// a degraded broker fails fast instead of piling up blocked publish calls.
package circuitbreaker

import (
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// WorkQueue decorates a domain.WorkQueue, tripping open after a run of
// consecutive publish failures and shedding load until the broker recovers.
type WorkQueue struct {
	inner domain.WorkQueue
	cb    *gobreaker.CircuitBreaker
	name  string
}

// Config tunes the breaker's trip and recovery behavior.
type Config struct {
	Name                 string
	MaxRequestsHalfOpen  uint32
	ConsecutiveFailures  uint32
}

// NewWorkQueue wraps inner with a circuit breaker named cfg.Name, reporting
// state transitions to observability.CircuitBreakerStatus.
func NewWorkQueue(inner domain.WorkQueue, cfg Config) *WorkQueue {
	if cfg.Name == "" {
		cfg.Name = "workqueue"
	}
	if cfg.MaxRequestsHalfOpen == 0 {
		cfg.MaxRequestsHalfOpen = 1
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequestsHalfOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerStatus(cfg.Name, circuitStatus(to))
			_ = from
		},
	}
	return &WorkQueue{inner: inner, cb: gobreaker.NewCircuitBreaker(settings), name: cfg.Name}
}

func circuitStatus(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Publish routes through the circuit breaker; when open it fails
// immediately with domain.ErrUpstreamUnavailable instead of invoking inner.
func (w *WorkQueue) Publish(ctx domain.Context, correlationID string, msg domain.WorkMessage) error {
	_, err := w.cb.Execute(func() (any, error) {
		return nil, w.inner.Publish(ctx, correlationID, msg)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("op=workqueue.publish.circuit_open: %w", domain.ErrUpstreamUnavailable)
		}
		return err
	}
	return nil
}

// Close closes the underlying WorkQueue.
func (w *WorkQueue) Close() error { return w.inner.Close() }
