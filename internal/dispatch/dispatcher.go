// Package dispatch implements the Dispatcher usecase: validated submission
// of single and batch jobs, with rate-limit and quota admission ahead of
// persistence and work queue publish, and owner-scoped cancellation.
package dispatch

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
)

const maxURLLength = 2000

const defaultStreamURLTemplate = "/applications/%s/stream"

// EventEmitter is the subset of sse.Manager the dispatcher needs to announce
// cancellation to any attached stream.
type EventEmitter interface {
	Broadcast(ctx domain.Context, jobID string, ev domain.Event) error
}

// Dispatcher orchestrates job/batch submission and cancellation. Grounded on
// the teacher's usecase.EvaluateService.Enqueue: validate, short-circuit on
// idempotency, admit (rate-limit then quota), persist, publish, and
// compensate on publish failure.
type Dispatcher struct {
	Jobs    domain.JobRepository
	Batches domain.BatchRepository
	Quota   domain.QuotaStore
	Limiter domain.RateLimiter
	Queue   domain.WorkQueue
	Events  EventEmitter

	// StreamURLTemplate formats a job id into its SSE stream endpoint.
	// Defaults to "/applications/%s/stream".
	StreamURLTemplate string
}

// NewDispatcher constructs a Dispatcher with its dependencies.
func NewDispatcher(jobs domain.JobRepository, batches domain.BatchRepository, quota domain.QuotaStore, limiter domain.RateLimiter, queue domain.WorkQueue, events EventEmitter) Dispatcher {
	return Dispatcher{Jobs: jobs, Batches: batches, Quota: quota, Limiter: limiter, Queue: queue, Events: events}
}

// SubmitJobInput carries a single-job submission request.
type SubmitJobInput struct {
	OwnerID       string
	JDURL         string
	ResumeURI     string
	ModelProvider string
	ModelName     string
	IdemKey       string
}

// SubmitJobResult is returned to the caller on successful submission.
type SubmitJobResult struct {
	JobID          string
	StreamEndpoint string
}

// SubmitJob validates, admits, persists, and publishes a single job.
// Admission ordering is rate-limit, then quota, then persistence, then
// publish; any failure aborts the remaining steps.
func (d Dispatcher) SubmitJob(ctx domain.Context, in SubmitJobInput) (SubmitJobResult, error) {
	tr := otel.Tracer("dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.SubmitJob")
	defer span.End()
	start := time.Now()
	defer func() { observability.ObserveDispatch("submit_job", time.Since(start)) }()

	lg := obsctx.LoggerFromContext(ctx)

	if err := validateJDURL(in.JDURL); err != nil {
		return SubmitJobResult{}, err
	}
	if err := validateResumeURI(in.ResumeURI); err != nil {
		return SubmitJobResult{}, err
	}

	if in.IdemKey != "" {
		if existing, err := d.Jobs.FindByIdempotencyKey(ctx, in.OwnerID, in.IdemKey); err == nil && existing.ID != "" {
			lg.Info("submit_job idempotent hit", slog.String("job_id", existing.ID))
			return SubmitJobResult{JobID: existing.ID, StreamEndpoint: d.streamEndpoint(existing.ID)}, nil
		}
	}

	if err := d.Limiter.CheckAndRecord(ctx, in.OwnerID); err != nil {
		observability.RateLimitDenialsTotal.WithLabelValues("submit_job").Inc()
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.rate_limit: %w", err)
	}

	plan, err := d.Quota.PlanFor(ctx, in.OwnerID)
	if err != nil {
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.plan_lookup: %w", err)
	}
	if !plan.ModelAllowed(in.ModelName) {
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.model_check: %w", domain.ErrModelNotAllowed)
	}

	reservation, err := d.Quota.Reserve(ctx, in.OwnerID, 1)
	if err != nil {
		observability.QuotaDenialsTotal.WithLabelValues(plan.ID).Inc()
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.quota: %w", err)
	}

	now := time.Now().UTC()
	job := domain.Job{
		OwnerID:       in.OwnerID,
		JDURL:         in.JDURL,
		ResumeURI:     in.ResumeURI,
		Status:        domain.JobPending,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.IdemKey != "" {
		job.IdemKey = &in.IdemKey
	}
	jobID, err := d.Jobs.Create(ctx, job)
	if err != nil {
		if rerr := d.Quota.Release(ctx, reservation); rerr != nil {
			lg.Error("submit_job quota release after persist failure failed", slog.Any("error", rerr))
		}
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.persist: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues("single").Inc()

	msg := domain.WorkMessage{
		JobID:         jobID,
		JDURL:         in.JDURL,
		ResumeURI:     in.ResumeURI,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
		OwnerID:       in.OwnerID,
	}
	if err := d.Queue.Publish(ctx, jobID, msg); err != nil {
		d.rollbackPublishFailure(ctx, jobID, reservation, "single")
		lg.Error("submit_job publish failed", slog.String("job_id", jobID), slog.Any("error", err))
		return SubmitJobResult{}, fmt.Errorf("op=dispatch.submit_job.publish: %w", err)
	}

	observability.JobsDispatchedTotal.WithLabelValues("single").Inc()
	return SubmitJobResult{JobID: jobID, StreamEndpoint: d.streamEndpoint(jobID)}, nil
}

// rollbackPublishFailure performs the compensating actions spec.md §4.1
// mandates on a post-persistence publish failure: release the quota
// reservation and mark the job FAILED[DISPATCH_FAILED] so the client
// observes a terminal state.
func (d Dispatcher) rollbackPublishFailure(ctx domain.Context, jobID string, res domain.QuotaReservation, kind string) {
	if err := d.Quota.Release(ctx, res); err != nil {
		slog.Error("dispatch rollback: quota release failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	reason := "DISPATCH_FAILED"
	if err := d.Jobs.UpdateStatus(ctx, jobID, domain.JobPending, domain.JobFailed, &reason); err != nil {
		slog.Error("dispatch rollback: mark-failed failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
	observability.JobsFailedTotal.WithLabelValues(kind).Inc()
}

// SubmitBatchInput carries a batch-job submission request.
type SubmitBatchInput struct {
	OwnerID         string
	URLs            []string
	SharedResumeURI string
	ModelProvider   string
	ModelName       string
	AutoStart       bool
}

// SubmitBatchResult is returned to the caller on successful submission.
type SubmitBatchResult struct {
	BatchID string
}

// SubmitBatch validates, admits with a single reservation for the whole
// batch, persists the BatchJob and every child Job in one transaction, and
// (if AutoStart) publishes a WorkMessage per child with best-effort
// continuation: a mid-batch publish failure marks only that child
// FAILED[DISPATCH_FAILED] and the rest continue to be published.
func (d Dispatcher) SubmitBatch(ctx domain.Context, in SubmitBatchInput) (SubmitBatchResult, error) {
	tr := otel.Tracer("dispatch")
	ctx, span := tr.Start(ctx, "Dispatcher.SubmitBatch")
	defer span.End()
	start := time.Now()
	defer func() { observability.ObserveDispatch("submit_batch", time.Since(start)) }()

	lg := obsctx.LoggerFromContext(ctx)

	if len(in.URLs) == 0 {
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.validate: %w: at least one url required", domain.ErrInvalidArgument)
	}
	for _, u := range in.URLs {
		if err := validateJDURL(u); err != nil {
			return SubmitBatchResult{}, err
		}
	}
	if err := validateResumeURI(in.SharedResumeURI); err != nil {
		return SubmitBatchResult{}, err
	}

	if err := d.Limiter.CheckAndRecord(ctx, in.OwnerID); err != nil {
		observability.RateLimitDenialsTotal.WithLabelValues("submit_batch").Inc()
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.rate_limit: %w", err)
	}

	plan, err := d.Quota.PlanFor(ctx, in.OwnerID)
	if err != nil {
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.plan_lookup: %w", err)
	}
	if plan.BatchJobsLimit > 0 && len(in.URLs) > plan.BatchJobsLimit {
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.size_check: %w: batch of %d exceeds plan limit of %d",
			domain.ErrQuotaExceeded, len(in.URLs), plan.BatchJobsLimit)
	}
	if !plan.ModelAllowed(in.ModelName) {
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.model_check: %w", domain.ErrModelNotAllowed)
	}

	reservation, err := d.Quota.Reserve(ctx, in.OwnerID, len(in.URLs))
	if err != nil {
		observability.QuotaDenialsTotal.WithLabelValues(plan.ID).Inc()
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.quota: %w", err)
	}

	now := time.Now().UTC()
	jobs := make([]domain.Job, len(in.URLs))
	for i, u := range in.URLs {
		jobs[i] = domain.Job{
			OwnerID:       in.OwnerID,
			JDURL:         u,
			ResumeURI:     in.SharedResumeURI,
			Status:        domain.JobPending,
			ModelProvider: in.ModelProvider,
			ModelName:     in.ModelName,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	batch := domain.BatchJob{
		OwnerID:       in.OwnerID,
		Total:         len(in.URLs),
		Status:        domain.BatchPending,
		ModelProvider: in.ModelProvider,
		ModelName:     in.ModelName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	batchID, jobIDs, err := d.Batches.CreateWithJobs(ctx, batch, jobs)
	if err != nil {
		if rerr := d.Quota.Release(ctx, reservation); rerr != nil {
			lg.Error("submit_batch quota release after persist failure failed", slog.Any("error", rerr))
		}
		return SubmitBatchResult{}, fmt.Errorf("op=dispatch.submit_batch.persist: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues("batch").Add(float64(len(in.URLs)))

	if !in.AutoStart {
		return SubmitBatchResult{BatchID: batchID}, nil
	}

	for i, jobID := range jobIDs {
		msg := domain.WorkMessage{
			JobID:         jobID,
			JDURL:         jobs[i].JDURL,
			ResumeURI:     jobs[i].ResumeURI,
			ModelProvider: in.ModelProvider,
			ModelName:     in.ModelName,
			OwnerID:       in.OwnerID,
		}
		if err := d.Queue.Publish(ctx, jobID, msg); err != nil {
			lg.Error("submit_batch child publish failed", slog.String("job_id", jobID), slog.String("batch_id", batchID), slog.Any("error", err))
			reason := "DISPATCH_FAILED"
			if uerr := d.Jobs.UpdateStatus(ctx, jobID, domain.JobPending, domain.JobFailed, &reason); uerr != nil {
				lg.Error("submit_batch child mark-failed failed", slog.String("job_id", jobID), slog.Any("error", uerr))
			}
			if rerr := d.Batches.RecordChildTerminal(ctx, batchID, false); rerr != nil {
				lg.Error("submit_batch aggregate update failed", slog.String("batch_id", batchID), slog.Any("error", rerr))
			}
			observability.JobsFailedTotal.WithLabelValues("batch").Inc()
			continue
		}
		observability.JobsDispatchedTotal.WithLabelValues("batch").Inc()
	}

	return SubmitBatchResult{BatchID: batchID}, nil
}

// CancelJob cancels a PENDING or PROCESSING job owned by ownerID, emitting a
// CANCELLED SSE event. Returns domain.ErrForbidden if ownerID does not own
// the job, domain.ErrConflict if the job is already terminal.
func (d Dispatcher) CancelJob(ctx domain.Context, ownerID, jobID string) error {
	job, err := d.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=dispatch.cancel_job.get: %w", err)
	}
	if job.OwnerID != ownerID {
		return fmt.Errorf("op=dispatch.cancel_job: %w", domain.ErrForbidden)
	}
	if job.Status != domain.JobPending && job.Status != domain.JobProcessing {
		return fmt.Errorf("op=dispatch.cancel_job: %w: job is %s", domain.ErrConflict, job.Status)
	}
	if err := d.Jobs.UpdateStatus(ctx, jobID, job.Status, domain.JobCancelled, nil); err != nil {
		return fmt.Errorf("op=dispatch.cancel_job.update: %w", err)
	}
	observability.JobsCancelledTotal.WithLabelValues("single").Inc()

	if d.Events != nil {
		ev := domain.Event{JobID: jobID, Status: string(domain.JobCancelled), Timestamp: time.Now().UTC()}
		if err := d.Events.Broadcast(ctx, jobID, ev); err != nil {
			slog.Warn("cancel_job sse broadcast failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return nil
}

// CancelBatch cancels a PENDING or PROCESSING batch owned by ownerID: every
// non-terminal child job is moved to CANCELLED (best-effort; one child's
// failure to cancel does not abort the rest), then the batch itself is
// marked CANCELLED.
func (d Dispatcher) CancelBatch(ctx domain.Context, ownerID, batchID string) error {
	batch, err := d.Batches.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("op=dispatch.cancel_batch.get: %w", err)
	}
	if batch.OwnerID != ownerID {
		return fmt.Errorf("op=dispatch.cancel_batch: %w", domain.ErrForbidden)
	}
	if batch.Status != domain.BatchPending && batch.Status != domain.BatchProcessing {
		return fmt.Errorf("op=dispatch.cancel_batch: %w: batch is %s", domain.ErrConflict, batch.Status)
	}

	jobs, err := d.Jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("op=dispatch.cancel_batch.list: %w", err)
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if err := d.Jobs.UpdateStatus(ctx, j.ID, j.Status, domain.JobCancelled, nil); err != nil {
			slog.Warn("cancel_batch child cancel failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		observability.JobsCancelledTotal.WithLabelValues("batch").Inc()
		if d.Events != nil {
			ev := domain.Event{JobID: j.ID, Status: string(domain.JobCancelled), Timestamp: time.Now().UTC()}
			if err := d.Events.Broadcast(ctx, j.ID, ev); err != nil {
				slog.Warn("cancel_batch sse broadcast failed", slog.String("job_id", j.ID), slog.Any("error", err))
			}
		}
	}

	if err := d.Batches.UpdateStatus(ctx, batchID, domain.BatchCancelled); err != nil {
		return fmt.Errorf("op=dispatch.cancel_batch.update: %w", err)
	}
	return nil
}

func (d Dispatcher) streamEndpoint(jobID string) string {
	tmpl := d.StreamURLTemplate
	if tmpl == "" {
		tmpl = defaultStreamURLTemplate
	}
	return fmt.Sprintf(tmpl, jobID)
}

func validateJDURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("op=dispatch.validate: %w: jd_url required", domain.ErrInvalidArgument)
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("op=dispatch.validate: %w: jd_url exceeds %d characters", domain.ErrInvalidArgument, maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("op=dispatch.validate: %w: jd_url must be an absolute URL", domain.ErrInvalidArgument)
	}
	return nil
}

func validateResumeURI(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("op=dispatch.validate: %w: resume_uri exceeds %d characters", domain.ErrInvalidArgument, maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("op=dispatch.validate: %w: resume_uri must carry a storage scheme", domain.ErrInvalidArgument)
	}
	return nil
}
