package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// StuckJobSweeper force-fails PROCESSING jobs whose owning Worker never
// reported back through the callback sink within maxProcessingAge.
// Grounded on the teacher's stuck-job sweeper: same ticker-driven Run loop
// and per-sweep tracing, adapted from its paginated ListWithFilters scan to
// the single-shot domain.JobRepository.ListStuckProcessing query.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a StuckJobSweeper. Returns nil if jobs is nil.
func NewStuckJobSweeper(jobs domain.JobRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run sweeps once immediately, then on every tick, until ctx is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

const stuckJobSweepPageSize = 100

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	span.SetAttributes(
		attribute.Int("jobs.page_size", stuckJobSweepPageSize),
		attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	jobs, err := s.jobs.ListStuckProcessing(ctx, cutoff, stuckJobSweepPageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	marked := 0
	for _, j := range jobs {
		msg := fmt.Sprintf("job processing exceeded maximum age %v; marked failed by sweeper", s.maxProcessingAge)
		if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobProcessing, domain.JobFailed, &msg); err != nil {
			slog.Error("stuck job sweep failed to update job status", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		marked++
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(jobs)),
		attribute.Int("jobs.total_marked_failed", marked),
	)
}
