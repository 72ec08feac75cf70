package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService handles data retention and cleanup
type CleanupService struct {
	Pool       *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs and batch jobs older than the
// retention period. Only terminal rows (COMPLETED/FAILED/CANCELLED) are
// eligible; anything still PENDING or PROCESSING is kept regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedJobs int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM jobs
			WHERE created_at < $1 AND status IN ('COMPLETED','FAILED','CANCELLED')
			RETURNING id
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedJobs)
	if err != nil {
		slog.Debug("no jobs to delete", slog.Any("error", err))
	}

	var deletedBatches int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM batch_jobs
			WHERE created_at < $1 AND status IN ('COMPLETED','PARTIAL','CANCELLED')
			AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.batch_id = batch_jobs.id)
			RETURNING id
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedBatches)
	if err != nil {
		slog.Debug("no batch jobs to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_batches", deletedBatches),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
