// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job in PENDING status and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, owner_id, jd_url, resume_uri, status, model_provider, model_name, batch_id, idempotency_key, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, j.OwnerID, j.JDURL, nullableString(j.ResumeURI), j.Status,
		j.ModelProvider, j.ModelName, nullableString(j.BatchID), j.IdemKey, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// UpdateStatus performs the conditional transition `from -> to`; it writes
// nothing and returns domain.ErrConflict if the persisted status is not `from`.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, from, to domain.JobStatus, failureReason *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	now := time.Now().UTC()
	var q string
	var args []any
	switch to {
	case domain.JobProcessing:
		q = `UPDATE jobs SET status=$1, started_at=COALESCE(started_at,$2), updated_at=$2 WHERE id=$3 AND status=$4`
		args = []any{to, now, id, from}
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		q = `UPDATE jobs SET status=$1, failure_reason=COALESCE($2,''), completed_at=$3, updated_at=$3 WHERE id=$4 AND status=$5`
		args = []any{to, failureReason, now, id, from}
	default:
		return fmt.Errorf("op=job.update_status: %w: unsupported target status %s", domain.ErrInvalidArgument, to)
	}

	result, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		slog.Error("job status update failed", slog.String("job_id", id), slog.String("to", string(to)), slog.Any("error", err))
		return fmt.Errorf("op=job.update_status.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrConflict)
	}
	return nil
}

// CompleteWithArtifact persists the COMPLETED transition and artifact fields
// in one statement. Idempotent: the WHERE clause only matches a job that is
// not already terminal, so a repeat callback affects zero rows and returns nil.
func (r *JobRepo) CompleteWithArtifact(ctx domain.Context, id string, artifact domain.JobArtifact) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteWithArtifact")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$1, generated_text=$2, word_count=$3, extracted_skills=$4, job_title=$5, company_name=$6, completed_at=$7, updated_at=$7
	      WHERE id=$8 AND status NOT IN ($9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, domain.JobCompleted, artifact.GeneratedText, artifact.WordCount,
		strings.Join(artifact.ExtractedSkills, ","), artifact.JobTitle, artifact.CompanyName, now, id,
		domain.JobCompleted, domain.JobFailed, domain.JobCancelled)
	if err != nil {
		return fmt.Errorf("op=job.complete_with_artifact: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	row := r.Pool.QueryRow(ctx, jobSelectColumns+" FROM jobs WHERE id=$1", id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job previously submitted by ownerID with the
// given idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, ownerID, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	row := r.Pool.QueryRow(ctx, jobSelectColumns+" FROM jobs WHERE owner_id=$1 AND idempotency_key=$2 LIMIT 1", ownerID, key)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// ListByBatch returns every job belonging to batchID.
func (r *JobRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByBatch")
	defer span.End()
	rows, err := r.Pool.Query(ctx, jobSelectColumns+" FROM jobs WHERE batch_id=$1 ORDER BY created_at", batchID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_by_batch: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_by_batch_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListStuckProcessing returns PROCESSING jobs last updated before olderThan,
// oldest first, capped at limit rows.
func (r *JobRepo) ListStuckProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuckProcessing")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		jobSelectColumns+" FROM jobs WHERE status=$1 AND updated_at<$2 ORDER BY updated_at LIMIT $3",
		domain.JobProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck_processing: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck_processing_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobSelectColumns = `SELECT id, owner_id, jd_url, COALESCE(resume_uri,''), status, model_provider, model_name,
	COALESCE(batch_id,''), idempotency_key, created_at, updated_at, started_at, completed_at,
	COALESCE(failure_reason,''), COALESCE(generated_text,''), word_count, COALESCE(extracted_skills,''),
	COALESCE(job_title,''), COALESCE(company_name,'')`

// rowScanner abstracts pgx.Row / pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var idem *string
	var skills string
	if err := row.Scan(&j.ID, &j.OwnerID, &j.JDURL, &j.ResumeURI, &j.Status, &j.ModelProvider, &j.ModelName,
		&j.BatchID, &idem, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
		&j.FailureReason, &j.GeneratedText, &j.WordCount, &skills, &j.JobTitle, &j.CompanyName); err != nil {
		return domain.Job{}, err
	}
	j.IdemKey = idem
	if skills != "" {
		j.ExtractedSkills = strings.Split(skills, ",")
	}
	return j, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
