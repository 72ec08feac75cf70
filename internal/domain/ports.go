package domain

import "time"

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=BatchRepository --with-expecter --filename=batch_repository_mock.go
//go:generate mockery --name=QuotaStore --with-expecter --filename=quota_store_mock.go
//go:generate mockery --name=RateLimiter --with-expecter --filename=rate_limiter_mock.go
//go:generate mockery --name=WorkQueue --with-expecter --filename=work_queue_mock.go
//go:generate mockery --name=EventBus --with-expecter --filename=event_bus_mock.go

// JobRepository persists Job entities.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	FindByIdempotencyKey(ctx Context, ownerID, key string) (Job, error)
	// UpdateStatus performs a conditional transition: it only writes when the
	// job's current persisted status equals `from`. Returns domain.ErrConflict
	// when the stored status is not `from` (a concurrent writer already moved
	// it, or the transition is illegal).
	UpdateStatus(ctx Context, id string, from, to JobStatus, failureReason *string) error
	// CompleteWithArtifact performs the COMPLETED transition plus artifact
	// persistence atomically. Idempotent: a repeat call with the job already
	// COMPLETED returns nil without mutating anything (first write wins).
	CompleteWithArtifact(ctx Context, id string, artifact JobArtifact) error
	ListByBatch(ctx Context, batchID string) ([]Job, error)
	// ListStuckProcessing returns PROCESSING jobs last updated before
	// olderThan, oldest first, capped at limit rows. Used by the stuck-job
	// sweeper to find jobs whose owning Worker never reported back.
	ListStuckProcessing(ctx Context, olderThan time.Time, limit int) ([]Job, error)
}

// JobArtifact is the payload persisted when a Job completes.
type JobArtifact struct {
	GeneratedText   string
	WordCount       int
	ExtractedSkills []string
	JobTitle        string
	CompanyName     string
}

// BatchRepository persists BatchJob aggregates and their child linkage.
type BatchRepository interface {
	CreateWithJobs(ctx Context, b BatchJob, jobs []Job) (string, []string, error)
	Get(ctx Context, id string) (BatchJob, error)
	// RecordChildTerminal updates the aggregate counters for one terminal
	// child transition (completed or failed) and recomputes Status.
	RecordChildTerminal(ctx Context, batchID string, completed bool) error
	UpdateStatus(ctx Context, id string, status BatchJobStatus) error
}

// QuotaReservation is the token returned by QuotaStore.Reserve, required by
// Release to roll back exactly what was reserved.
type QuotaReservation struct {
	OwnerID string
	N       int
}

// QuotaStore encapsulates the atomic compare-and-increment of
// jobs_used_in_period against a Subscription's Plan.
type QuotaStore interface {
	// Reserve atomically increments jobs_used_in_period by n iff the result
	// would not exceed the plan's jobs_per_period and the subscription is
	// active. Performs lazy period rollover first. Returns
	// domain.ErrQuotaExceeded on denial.
	Reserve(ctx Context, ownerID string, n int) (QuotaReservation, error)
	// Release decrements by the reservation's n; used only on dispatcher
	// rollback after a publish failure.
	Release(ctx Context, r QuotaReservation) error
	// PlanFor returns the Plan backing ownerID's active subscription.
	PlanFor(ctx Context, ownerID string) (Plan, error)
}

// RateLimiter enforces the three-window (minute/hour/day) admission limit.
type RateLimiter interface {
	// CheckAndRecord increments all three window counters for ownerID and
	// returns domain.ErrRateLimited if any counter now exceeds its
	// configured limit. Denied attempts still count (§4.2).
	CheckAndRecord(ctx Context, ownerID string) error
}

// WorkMessage is the durable message published for a Worker to consume.
type WorkMessage struct {
	JobID         string
	JDURL         string
	ResumeURI     string
	ModelProvider string
	ModelName     string
	OwnerID       string
}

// WorkQueue is the producer-side port to the durable message broker.
type WorkQueue interface {
	Publish(ctx Context, correlationID string, msg WorkMessage) error
	Close() error
}

// Event is the envelope carried on both the EventBus and the client SSE
// wire, per §4.6.
type Event struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	Progress      *float64  `json:"progress,omitempty"`
	GeneratedText string    `json:"generated_text,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Terminal reports whether the event carries a terminal or pseudo-terminal
// status (COMPLETED/FAILED/CANCELLED/TERMINATED/TIMEOUT/ERROR all close the
// stream per §4.6/§5).
func (e Event) Terminal() bool {
	switch e.Status {
	case string(JobCompleted), string(JobFailed), string(JobCancelled),
		"TERMINATED", "TIMEOUT", "ERROR":
		return true
	default:
		return false
	}
}

// BusSubscription is a handle to a live EventBus topic subscription.
type BusSubscription interface {
	// C delivers decoded Events; closed when the subscription ends.
	C() <-chan Event
	Close() error
	// Err reports why C() closed: nil on an explicit Close() call, non-nil
	// if the subscription gave up recovering from an underlying failure.
	Err() error
}

// EventBus is the cross-replica pub/sub fan-out used for SSE delivery.
type EventBus interface {
	Publish(ctx Context, jobID string, ev Event) error
	Subscribe(ctx Context, jobID string) (BusSubscription, error)
}
