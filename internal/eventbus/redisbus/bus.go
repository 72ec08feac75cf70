// Package redisbus implements the cross-replica domain.EventBus on Redis
// Pub/Sub, fanning SSE events out to whichever gateway replica holds the
// subscriber's connection.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

const topicPrefix = "sse:job:"

// Bus implements domain.EventBus over a shared redis.Client.
type Bus struct {
	client *redis.Client
}

// New constructs a Bus.
func New(client *redis.Client) *Bus { return &Bus{client: client} }

func topicFor(jobID string) string { return topicPrefix + jobID }

// Publish implements domain.EventBus.
func (b *Bus) Publish(ctx domain.Context, jobID string, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=eventbus.publish.marshal: %w", err)
	}
	topic := topicFor(jobID)
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		observability.EventBusPublishErrorsTotal.WithLabelValues(topic).Inc()
		return fmt.Errorf("op=eventbus.publish: %w", err)
	}
	return nil
}

// Subscribe implements domain.EventBus. The returned subscription resubscribes
// across transient Redis connection loss with exponential backoff so a
// client's SSE stream survives a Redis failover instead of hanging silently.
func (b *Bus) Subscribe(ctx domain.Context, jobID string) (domain.BusSubscription, error) {
	topic := topicFor(jobID)
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, fmt.Errorf("op=eventbus.subscribe: %w", err)
	}

	sub := &subscription{
		bus:    b,
		topic:  topic,
		ps:     ps,
		out:    make(chan domain.Event, 64),
		ctx:    ctx,
		cancel: func() {},
	}
	innerCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	go sub.run(innerCtx)
	return sub, nil
}

type subscription struct {
	bus    *Bus
	topic  string
	ps     *redis.PubSub
	out    chan domain.Event
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *subscription) C() <-chan domain.Event { return s.out }

func (s *subscription) Close() error {
	s.cancel()
	return s.ps.Close()
}

// Err implements domain.BusSubscription.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if s.resubscribe(ctx) {
					ch = s.ps.Channel()
					continue
				}
				s.setErr(fmt.Errorf("eventbus: exhausted resubscribe retries for topic %s", s.topic))
				return
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				observability.EventBusDeliverErrorsTotal.WithLabelValues(s.topic).Inc()
				slog.Error("eventbus: failed to decode event", slog.String("topic", s.topic), slog.Any("error", err))
				continue
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resubscribe retries Subscribe+Receive with exponential backoff, capped so a
// permanently-dead Redis doesn't spin a goroutine forever per subscriber.
func (s *subscription) resubscribe(ctx context.Context) bool {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
	var newPS *redis.PubSub
	err := backoff.Retry(func() error {
		newPS = s.bus.client.Subscribe(ctx, s.topic)
		_, err := newPS.Receive(ctx)
		if err != nil {
			observability.EventBusDeliverErrorsTotal.WithLabelValues(s.topic).Inc()
			return err
		}
		return nil
	}, bo)
	if err != nil {
		slog.Error("eventbus: giving up resubscribing", slog.String("topic", s.topic), slog.Any("error", err))
		return false
	}
	_ = s.ps.Close()
	s.ps = newPS
	slog.Info("eventbus: resubscribed", slog.String("topic", s.topic))
	return true
}
