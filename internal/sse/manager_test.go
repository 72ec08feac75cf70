package sse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// fakeBus is an in-process domain.EventBus fake: Publish fans directly into
// every live Subscribe channel for that jobID, mirroring Redis Pub/Sub
// semantics closely enough for the manager's concurrency tests.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]chan domain.Event
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string][]chan domain.Event)} }

func (b *fakeBus) Publish(_ domain.Context, jobID string, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[jobID] {
		ch <- ev
	}
	return nil
}

func (b *fakeBus) Subscribe(_ domain.Context, jobID string) (domain.BusSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Event, 16)
	b.subs[jobID] = append(b.subs[jobID], ch)
	return &fakeSub{bus: b, jobID: jobID, ch: ch}, nil
}

type fakeSub struct {
	bus   *fakeBus
	jobID string
	ch    chan domain.Event
}

func (s *fakeSub) C() <-chan domain.Event { return s.ch }

func (s *fakeSub) Err() error { return nil }

func (s *fakeSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.jobID]
	for i, ch := range subs {
		if ch == s.ch {
			s.bus.subs[s.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func TestManager_OpenStream_DeliversBroadcastEvent(t *testing.T) {
	m := NewManager(newFakeBus(), Config{})
	ctx := context.Background()
	stream, err := m.OpenStream(ctx, "job-1")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, m.Broadcast(ctx, "job-1", domain.Event{JobID: "job-1", Status: "PROCESSING"}))

	select {
	case ev := <-stream.Events():
		assert.Equal(t, "PROCESSING", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestManager_OpenStream_RejectsOverConnectionCap(t *testing.T) {
	m := NewManager(newFakeBus(), Config{MaxConnsPerJob: 2})
	ctx := context.Background()
	s1, err := m.OpenStream(ctx, "job-cap")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := m.OpenStream(ctx, "job-cap")
	require.NoError(t, err)
	defer s2.Close()

	_, err = m.OpenStream(ctx, "job-cap")
	assert.ErrorIs(t, err, domain.ErrTooManyConnections)
}

func TestManager_CloseStream_ReleasesBusSubscriptionWhenLastLeaves(t *testing.T) {
	m := NewManager(newFakeBus(), Config{})
	ctx := context.Background()
	stream, err := m.OpenStream(ctx, "job-release")
	require.NoError(t, err)
	assert.Equal(t, 1, m.openStreamsForJob("job-release"))

	stream.Close()
	assert.Equal(t, 0, m.openStreamsForJob("job-release"))
}

func TestManager_MultipleSubscribersReceiveSameBroadcast(t *testing.T) {
	m := NewManager(newFakeBus(), Config{})
	ctx := context.Background()
	s1, err := m.OpenStream(ctx, "job-multi")
	require.NoError(t, err)
	defer s1.Close()
	s2, err := m.OpenStream(ctx, "job-multi")
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, m.Broadcast(ctx, "job-multi", domain.Event{JobID: "job-multi", Status: "COMPLETED"}))

	for _, s := range []*Stream{s1, s2} {
		select {
		case ev := <-s.Events():
			assert.Equal(t, "COMPLETED", ev.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestManager_Shutdown_SendsTerminatedAndClosesStreams(t *testing.T) {
	m := NewManager(newFakeBus(), Config{})
	ctx := context.Background()
	stream, err := m.OpenStream(ctx, "job-shutdown")
	require.NoError(t, err)

	m.Shutdown(ctx)

	select {
	case ev, ok := <-stream.Events():
		require.True(t, ok)
		assert.Equal(t, "TERMINATED", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminated event")
	}
}

// failingBus hands out a subscription whose channel closes immediately and
// reports a non-nil Err, simulating the bus giving up on resubscribing.
type failingBus struct{ cause error }

func (b *failingBus) Publish(_ domain.Context, _ string, _ domain.Event) error { return nil }

func (b *failingBus) Subscribe(_ domain.Context, _ string) (domain.BusSubscription, error) {
	ch := make(chan domain.Event)
	close(ch)
	return &failingSub{ch: ch, cause: b.cause}, nil
}

type failingSub struct {
	ch    chan domain.Event
	cause error
}

func (s *failingSub) C() <-chan domain.Event { return s.ch }
func (s *failingSub) Close() error           { return nil }
func (s *failingSub) Err() error             { return s.cause }

func TestManager_Pump_BroadcastsErrorAndDisconnectsOnBusFailure(t *testing.T) {
	m := NewManager(&failingBus{cause: assert.AnError}, Config{})
	ctx := context.Background()
	stream, err := m.OpenStream(ctx, "job-bus-fail")
	require.NoError(t, err)

	select {
	case ev, ok := <-stream.Events():
		require.True(t, ok)
		assert.Equal(t, "ERROR", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}

	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream to close")
	}

	assert.Equal(t, 0, m.openStreamsForJob("job-bus-fail"))
}

func TestSweep_RemovesZeroSubscriberEntries(t *testing.T) {
	m := NewManager(newFakeBus(), Config{})

	// Simulate a stream entry whose per-stream cleanup failed to run,
	// leaving a zero-subscriber entry behind for the reaper to find.
	sh := shardFor(m.shards, "job-sweep")
	sh.mu.Lock()
	sh.streams["job-sweep"] = newMulticastSink("job-sweep", 4)
	sh.connCount["job-sweep"] = 0
	sh.mu.Unlock()

	m.sweep()

	sh.mu.Lock()
	_, exists := sh.streams["job-sweep"]
	sh.mu.Unlock()
	assert.False(t, exists)
}
