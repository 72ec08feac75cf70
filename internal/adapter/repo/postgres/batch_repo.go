package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// BatchRepo persists BatchJob aggregates and their child Job linkage.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// CreateWithJobs inserts the BatchJob row and every child Job row in a single
// transaction so a partially-created batch is never observable.
func (r *BatchRepo) CreateWithJobs(ctx domain.Context, b domain.BatchJob, jobs []domain.Job) (string, []string, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CreateWithJobs")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "batch_jobs"),
	)

	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", nil, fmt.Errorf("op=batch.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `INSERT INTO batch_jobs (id, owner_id, total, completed_count, failed_count, status, model_provider, model_name, created_at, updated_at)
		VALUES ($1,$2,$3,0,0,$4,$5,$6,$7,$7)`,
		id, b.OwnerID, b.Total, b.Status, b.ModelProvider, b.ModelName, now)
	if err != nil {
		return "", nil, fmt.Errorf("op=batch.create.insert_batch: %w", err)
	}

	jobIDs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		jid := j.ID
		if jid == "" {
			jid = uuid.New().String()
		}
		_, err = tx.Exec(ctx, `INSERT INTO jobs (id, owner_id, jd_url, resume_uri, status, model_provider, model_name, batch_id, idempotency_key, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
			jid, j.OwnerID, j.JDURL, nullableString(j.ResumeURI), j.Status, j.ModelProvider, j.ModelName, id, j.IdemKey, now)
		if err != nil {
			return "", nil, fmt.Errorf("op=batch.create.insert_job: %w", err)
		}
		jobIDs = append(jobIDs, jid)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("op=batch.create.commit: %w", err)
	}
	committed = true
	return id, jobIDs, nil
}

// Get loads a BatchJob by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT id, owner_id, total, completed_count, failed_count, status, model_provider, model_name, created_at, updated_at
		FROM batch_jobs WHERE id=$1`, id)
	var b domain.BatchJob
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Total, &b.CompletedCount, &b.FailedCount, &b.Status, &b.ModelProvider, &b.ModelName, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return b, nil
}

// RecordChildTerminal increments the completed or failed counter for batchID
// and recomputes Status from the updated counters, atomically.
func (r *BatchRepo) RecordChildTerminal(ctx domain.Context, batchID string, completed bool) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.RecordChildTerminal")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=batch.record_terminal.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	col := "failed_count"
	if completed {
		col = "completed_count"
	}
	row := tx.QueryRow(ctx, fmt.Sprintf(`UPDATE batch_jobs SET %s = %s + 1, updated_at=$1 WHERE id=$2
		RETURNING total, completed_count, failed_count`, col, col), time.Now().UTC(), batchID)
	var total, completedCount, failedCount int
	if err := row.Scan(&total, &completedCount, &failedCount); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=batch.record_terminal: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=batch.record_terminal.scan: %w", err)
	}

	status := domain.DeriveBatchStatus(total, completedCount, failedCount, 0, completedCount+failedCount < total)
	if _, err := tx.Exec(ctx, `UPDATE batch_jobs SET status=$1 WHERE id=$2`, status, batchID); err != nil {
		return fmt.Errorf("op=batch.record_terminal.update_status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.record_terminal.commit: %w", err)
	}
	committed = true
	return nil
}

// UpdateStatus sets the batch's status directly (used for CANCELLED).
func (r *BatchRepo) UpdateStatus(ctx domain.Context, id string, status domain.BatchJobStatus) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.UpdateStatus")
	defer span.End()
	result, err := r.Pool.Exec(ctx, `UPDATE batch_jobs SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=batch.update_status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=batch.update_status: %w", domain.ErrNotFound)
	}
	return nil
}
