package redisbus_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/eventbus/redisbus"
)

func newTestBus(t *testing.T) (*redisbus.Bus, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisbus.New(client), func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestBus_PublishSubscribe_DeliversEvent(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer sub.Close()

	// give the subscribe goroutine a moment to attach before publishing
	time.Sleep(50 * time.Millisecond)

	want := domain.Event{JobID: "job-1", Status: "PROCESSING", Timestamp: time.Now().UTC()}
	require.NoError(t, bus.Publish(ctx, "job-1", want))

	select {
	case got := <-sub.C():
		require.Equal(t, want.JobID, got.JobID)
		require.Equal(t, want.Status, got.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_Subscribe_IsolatedByJobID(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subA, err := bus.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, "job-b")
	require.NoError(t, err)
	defer subB.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Publish(ctx, "job-a", domain.Event{JobID: "job-a", Status: "COMPLETED"}))

	select {
	case got := <-subA.C():
		require.Equal(t, "job-a", got.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on job-a")
	}

	select {
	case <-subB.C():
		t.Fatal("job-b subscriber should not receive job-a events")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBus_Close_ClosesChannel(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "job-close")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.C():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close")
	}
}
