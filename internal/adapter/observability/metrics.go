// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsSubmittedTotal counts jobs accepted by the dispatcher.
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"kind"},
	)
	// JobsDispatchedTotal counts jobs successfully published to the work queue.
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total number of jobs published to the work queue",
		},
		[]string{"kind"},
	)
	// JobsCompletedTotal counts jobs that reached the COMPLETED state.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	// JobsFailedTotal counts jobs that reached the FAILED state.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"kind"},
	)
	// JobsCancelledTotal counts jobs cancelled by their owner.
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"kind"},
	)

	// QuotaDenialsTotal counts submissions rejected for exceeding the plan quota.
	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Total number of submissions rejected for exceeding quota",
		},
		[]string{"plan"},
	)
	// RateLimitDenialsTotal counts submissions rejected by the rate limiter.
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Total number of submissions rejected by the rate limiter",
		},
		[]string{"window"},
	)

	// SSEStreamsOpen is a gauge of currently open SSE streams.
	SSEStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_streams_open",
			Help: "Number of currently open SSE subscriber connections",
		},
	)
	// SSEStreamsClosedTotal counts SSE streams that have ended, by reason.
	SSEStreamsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_streams_closed_total",
			Help: "Total number of SSE streams closed",
		},
		[]string{"reason"},
	)
	// SSEEventsDroppedTotal counts events dropped from a subscriber's buffer.
	SSEEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_dropped_total",
			Help: "Total number of SSE events dropped due to a full subscriber buffer",
		},
		[]string{"job_id"},
	)

	// EventBusPublishErrorsTotal counts failures publishing to the event bus.
	EventBusPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Total number of event bus publish failures",
		},
		[]string{"topic"},
	)
	// EventBusDeliverErrorsTotal counts failures delivering from a bus subscription.
	EventBusDeliverErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_deliver_errors_total",
			Help: "Total number of event bus delivery failures",
		},
		[]string{"topic"},
	)

	// WorkQueuePublishErrorsTotal counts failures publishing work to the
	// queue, broken down by the same error-code taxonomy the API surfaces,
	// so a spike in e.g. UPSTREAM_TIMEOUT publish failures is visible
	// without grepping logs.
	WorkQueuePublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workqueue_publish_errors_total",
			Help: "Total number of work queue publish failures",
		},
		[]string{"topic", "code"},
	)

	// DispatcherLatency records the end-to-end latency of dispatch operations.
	DispatcherLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_latency_seconds",
			Help:    "Dispatcher operation latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(QuotaDenialsTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
	prometheus.MustRegister(SSEStreamsOpen)
	prometheus.MustRegister(SSEStreamsClosedTotal)
	prometheus.MustRegister(SSEEventsDroppedTotal)
	prometheus.MustRegister(EventBusPublishErrorsTotal)
	prometheus.MustRegister(EventBusDeliverErrorsTotal)
	prometheus.MustRegister(WorkQueuePublishErrorsTotal)
	prometheus.MustRegister(DispatcherLatency)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveDispatch records dispatcher operation latency.
func ObserveDispatch(op string, dur time.Duration) {
	DispatcherLatency.WithLabelValues(op).Observe(dur.Seconds())
}

// RecordCircuitBreakerStatus records circuit breaker state (0=closed, 1=open, 2=half-open).
func RecordCircuitBreakerStatus(service string, status int) {
	CircuitBreakerStatus.WithLabelValues(service).Set(float64(status))
}
