// Package redpanda provides the Redpanda/Kafka WorkQueue adapter.
//
// It publishes WorkMessage records for Worker replicas to consume, with
// exactly-once producer semantics and per-record compression.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/queue/compress"
)

// DefaultTopic is the Kafka topic carrying WorkMessage records.
const DefaultTopic = "gateway-jobs"

// Producer wraps a transactional Kafka producer and implements domain.WorkQueue.
type Producer struct {
	client          *kgo.Client
	topic           string
	algo            compress.Algorithm
	transactionChan chan struct{}
}

// NewProducer constructs a Producer publishing to topic with algo
// compression, using exactly-once transactional semantics.
func NewProducer(brokers []string, topic string, algo compress.Algorithm) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "ai-cv-evaluator-gateway", topic, algo)
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID, useful for test isolation.
func NewProducerWithTransactionalID(brokers []string, transactionalID, topic string, algo compress.Algorithm) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.new_producer: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID), slog.String("topic", topic))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new_producer.client: %w", err)
	}

	ctx := context.Background()
	if err := createOptimizedTopicForParallelProcessing(ctx, client, topic, 8, 1); err != nil {
		slog.Warn("failed to create optimized topic, falling back to standard topic creation", slog.String("topic", topic), slog.Any("error", err))
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist", slog.String("topic", topic), slog.Any("error", err))
		}
	}

	return &Producer{
		client:          client,
		topic:           topic,
		algo:            algo,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Publish implements domain.WorkQueue. correlationID keys the record so all
// messages for the same job land on one partition, preserving per-job order.
func (p *Producer) Publish(ctx domain.Context, correlationID string, msg domain.WorkMessage) error {
	start := time.Now()
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		observability.WorkQueuePublishErrorsTotal.WithLabelValues(p.topic, classifyFailureCode(err.Error())).Inc()
		return fmt.Errorf("op=queue.publish.begin_tx: %w", err)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		p.abort(ctx, "marshal")
		observability.WorkQueuePublishErrorsTotal.WithLabelValues(p.topic, classifyFailureCode(err.Error())).Inc()
		return fmt.Errorf("op=queue.publish.marshal: %w", err)
	}
	encoded, err := compress.Encode(p.algo, b)
	if err != nil {
		p.abort(ctx, "compress")
		observability.WorkQueuePublishErrorsTotal.WithLabelValues(p.topic, classifyFailureCode(err.Error())).Inc()
		return fmt.Errorf("op=queue.publish.compress: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(correlationID),
		Value: encoded,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(msg.JobID)},
			{Key: "owner_id", Value: []byte(msg.OwnerID)},
			{Key: "compression", Value: []byte(p.algo)},
			{Key: "original_size", Value: []byte(strconv.Itoa(len(b)))},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		p.abort(ctx, "produce")
		observability.WorkQueuePublishErrorsTotal.WithLabelValues(p.topic, classifyFailureCode(err.Error())).Inc()
		return fmt.Errorf("op=queue.publish.produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		observability.WorkQueuePublishErrorsTotal.WithLabelValues(p.topic, classifyFailureCode(err.Error())).Inc()
		return fmt.Errorf("op=queue.publish.commit: %w", err)
	}

	observability.ObserveDispatch("publish", time.Since(start))
	slog.Info("work message published", slog.String("topic", p.topic), slog.String("job_id", msg.JobID))
	return nil
}

func (p *Producer) abort(ctx context.Context, stage string) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("failed to abort transaction", slog.String("stage", stage), slog.Any("error", err))
	}
}

// Close implements domain.WorkQueue.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}
