// Package sse implements the per-replica SSE fan-out: local client
// subscriptions multiplexed over a shared EventBus topic per job, with
// connection caps, backpressure, and cleanup.
package sse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// Config tunes the manager's connection caps and timers.
type Config struct {
	MaxConnsPerJob   int
	SubscriberBuffer int
	ReaperInterval   time.Duration
	StreamTimeout    time.Duration
}

// Manager is the per-replica SSE registry. One Manager is shared by every
// request goroutine in the process.
type Manager struct {
	bus    domain.EventBus
	cfg    Config
	shards []*shard
}

// NewManager constructs a Manager backed by bus.
func NewManager(bus domain.EventBus, cfg Config) *Manager {
	if cfg.MaxConnsPerJob <= 0 {
		cfg.MaxConnsPerJob = 10
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 15 * time.Minute
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Manager{bus: bus, cfg: cfg, shards: shards}
}

// Stream is a single client's handle on a job's event fan-out.
type Stream struct {
	events <-chan domain.Event
	close  func()
}

// Events delivers this stream's events; closed when the stream ends.
func (s *Stream) Events() <-chan domain.Event { return s.events }

// Close tears the stream down. Idempotent.
func (s *Stream) Close() { s.close() }

// OpenStream attaches a new client subscriber to jobID's fan-out, lazily
// creating the local sink and the EventBus subscription on the first
// subscriber. Returns domain.ErrTooManyConnections if jobID is already at
// cap.
func (m *Manager) OpenStream(ctx domain.Context, jobID string) (*Stream, error) {
	sh := shardFor(m.shards, jobID)

	sh.mu.Lock()
	if sh.connCount[jobID] >= m.cfg.MaxConnsPerJob {
		sh.mu.Unlock()
		return nil, fmt.Errorf("op=sse.open_stream: %w", domain.ErrTooManyConnections)
	}
	sink, exists := sh.streams[jobID]
	if !exists {
		sink = newMulticastSink(jobID, m.cfg.SubscriberBuffer)
		sh.streams[jobID] = sink
	}
	subID, ch := sink.subscribe()
	sh.connCount[jobID]++
	needsSubscribe := !exists
	sh.mu.Unlock()

	if needsSubscribe {
		busSub, err := m.bus.Subscribe(ctx, jobID)
		if err != nil {
			m.closeStream(jobID, subID)
			return nil, fmt.Errorf("op=sse.open_stream.bus_subscribe: %w", err)
		}
		sh.mu.Lock()
		sh.busSubs[jobID] = busSub
		sh.mu.Unlock()
		go m.pump(jobID, busSub)
	}

	observability.SSEStreamsOpen.Inc()
	return &Stream{
		events: ch,
		close: func() {
			m.closeStream(jobID, subID)
		},
	}, nil
}

// pump forwards every event read off the bus subscription to the job's
// local sink, ending the subscription's life (and thus the job's stream
// lifecycle bookkeeping) when the bus channel closes for good. A clean
// close (explicit Stream.Close tearing the last subscriber down) leaves
// busSub.Err() nil; a close caused by the bus giving up on resubscribing
// reports a non-nil Err and is treated as a hard failure of the stream.
func (m *Manager) pump(jobID string, busSub domain.BusSubscription) {
	for ev := range busSub.C() {
		sh := shardFor(m.shards, jobID)
		sh.mu.Lock()
		sink, ok := sh.streams[jobID]
		sh.mu.Unlock()
		if !ok {
			continue
		}
		sink.broadcast(ev)
	}
	if err := busSub.Err(); err != nil {
		m.teardownOnBusFailure(jobID, busSub, err)
	}
}

// teardownOnBusFailure runs when the bus subscription backing jobID's stream
// gives up recovering. Every locally attached subscriber is told the stream
// failed via an ERROR event instead of being left hanging on a channel that
// silently stopped receiving events.
func (m *Manager) teardownOnBusFailure(jobID string, busSub domain.BusSubscription, cause error) {
	sh := shardFor(m.shards, jobID)
	sh.mu.Lock()
	sink, ok := sh.streams[jobID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	count := sh.connCount[jobID]
	delete(sh.streams, jobID)
	delete(sh.connCount, jobID)
	delete(sh.busSubs, jobID)
	sh.mu.Unlock()

	slog.Error("sse: event bus subscription failed, closing stream", slog.String("job_id", jobID), slog.Any("error", cause))
	sink.broadcast(domain.Event{JobID: jobID, Status: "ERROR", Timestamp: time.Now().UTC()})
	sink.closeAll()
	if count > 0 {
		observability.SSEStreamsOpen.Sub(float64(count))
	}
	observability.SSEStreamsClosedTotal.WithLabelValues("bus_error").Inc()
	_ = busSub.Close()
}

// Broadcast publishes ev on jobID's EventBus topic. The local replica
// receives its own publication back through the bus, so there is exactly
// one delivery code path regardless of which replica a subscriber is
// attached to.
func (m *Manager) Broadcast(ctx domain.Context, jobID string, ev domain.Event) error {
	return m.bus.Publish(ctx, jobID, ev)
}

func (m *Manager) closeStream(jobID string, subID int) {
	sh := shardFor(m.shards, jobID)
	sh.mu.Lock()
	sink, ok := sh.streams[jobID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	sink.unsubscribe(subID)
	sh.connCount[jobID]--
	remaining := sh.connCount[jobID]
	var busSub domain.BusSubscription
	if remaining <= 0 {
		busSub = sh.busSubs[jobID]
		delete(sh.busSubs, jobID)
		delete(sh.streams, jobID)
		delete(sh.connCount, jobID)
	}
	sh.mu.Unlock()

	observability.SSEStreamsOpen.Dec()
	if busSub != nil {
		if err := busSub.Close(); err != nil {
			slog.Warn("sse: failed closing bus subscription", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
}

// Shutdown sends a TERMINATED event to every locally attached stream and
// releases all bus subscriptions, without touching the shared EventBus
// state (other replicas' subscribers are unaffected).
func (m *Manager) Shutdown(_ context.Context) {
	now := time.Now().UTC()
	for _, sh := range m.shards {
		sh.mu.Lock()
		for jobID, sink := range sh.streams {
			sink.broadcast(domain.Event{JobID: jobID, Status: "TERMINATED", Timestamp: now})
			sink.closeAll()
		}
		for jobID, busSub := range sh.busSubs {
			_ = busSub.Close()
			delete(sh.busSubs, jobID)
		}
		sh.streams = make(map[string]*multicastSink)
		sh.connCount = make(map[string]int)
		sh.mu.Unlock()
	}
}

// StreamTimeout returns the absolute per-stream timeout the caller should
// enforce (the Manager itself does not time out streams; OpenStream callers
// do, closing with a TIMEOUT event per §5).
func (m *Manager) StreamTimeout() time.Duration { return m.cfg.StreamTimeout }

// openStreamsForJob reports the current local subscriber count, used by
// tests and the reaper.
func (m *Manager) openStreamsForJob(jobID string) int {
	sh := shardFor(m.shards, jobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.connCount[jobID]
}
