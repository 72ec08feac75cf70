// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Adapter boundaries wrap storage/broker errors
// into one of these before they reach a handler.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrModelNotAllowed     = errors.New("model not allowed")
	ErrTooManyConnections  = errors.New("too many connections")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrInternal            = errors.New("internal error")
)

// SubscriptionStatus enumerates the lifecycle of a Subscription.
type SubscriptionStatus string

// Subscription status values.
const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionTrialing  SubscriptionStatus = "TRIALING"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

// Subscription is the per-user billing/quota period record. Exactly one
// subscription per user is ACTIVE at any moment; enforced by the owner of
// this data (BillingProvider), read-only here.
type Subscription struct {
	OwnerID          string
	PlanID           string
	Status           SubscriptionStatus
	PeriodStart      time.Time
	PeriodEnd        time.Time
	JobsUsedInPeriod int
	CancelAtPeriodEnd bool
}

// Active reports whether the subscription currently admits job submissions.
func (s Subscription) Active() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

// Plan is immutable per PlanID.
type Plan struct {
	ID              string
	JobsPerPeriod   int
	TemplatesLimit  int
	BatchJobsLimit  int
	AllowedModels   []string // empty = all
	PriorityFlag    bool
}

// ModelAllowed reports whether modelName is permitted by the plan.
func (p Plan) ModelAllowed(modelName string) bool {
	if len(p.AllowedModels) == 0 || modelName == "" {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == modelName {
			return true
		}
	}
	return false
}

// JobStatus captures the lifecycle state of a Job.
type JobStatus string

// Job status values, per the state machine in §3 of the specification.
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// legalJobTransitions enumerates every allowed (from, to) edge in the job
// state machine. PENDING cannot go directly to COMPLETED or FAILED: it must
// pass through PROCESSING first (resolves the "legal transition out of
// PENDING" open question in the stricter direction).
var legalJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobProcessing: true,
		JobCancelled:  true,
	},
	JobProcessing: {
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
	},
}

// CanTransitionJob reports whether moving a job from `from` to `to` is legal.
func CanTransitionJob(from, to JobStatus) bool {
	edges, ok := legalJobTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Job is the core dispatch entity.
type Job struct {
	ID             string
	OwnerID        string
	JDURL          string
	ResumeURI      string
	Status         JobStatus
	ModelProvider  string
	ModelName      string
	BatchID        string // optional
	IdemKey        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FailureReason  string
	GeneratedText  string
	WordCount      int
	ExtractedSkills []string
	JobTitle       string
	CompanyName    string
}

// BatchJobStatus enumerates the lifecycle of a BatchJob aggregate.
type BatchJobStatus string

// BatchJob status values.
const (
	BatchPending    BatchJobStatus = "PENDING"
	BatchProcessing BatchJobStatus = "PROCESSING"
	BatchCompleted  BatchJobStatus = "COMPLETED"
	BatchPartial    BatchJobStatus = "PARTIAL"
	BatchCancelled  BatchJobStatus = "CANCELLED"
)

// BatchJob aggregates the status of a set of Jobs submitted together.
type BatchJob struct {
	ID             string
	OwnerID        string
	Total          int
	CompletedCount int
	FailedCount    int
	Status         BatchJobStatus
	ModelProvider  string
	ModelName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeriveBatchStatus computes the aggregate status from child-job counters,
// per the derived invariant in §3: COMPLETED iff all terminal and no
// failures; PARTIAL iff all terminal and at least one failure.
func DeriveBatchStatus(total, completed, failed, cancelled int, anyProcessing bool) BatchJobStatus {
	terminalCount := completed + failed + cancelled
	if terminalCount < total || anyProcessing {
		if terminalCount == 0 && !anyProcessing {
			return BatchPending
		}
		return BatchProcessing
	}
	if failed > 0 {
		return BatchPartial
	}
	return BatchCompleted
}

// Progress returns the fraction of child jobs that have reached a terminal
// state (completed or failed), per §3.
func (b BatchJob) Progress() float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(b.CompletedCount+b.FailedCount) / float64(b.Total)
}

// RateLimitWindowKind enumerates the sliding-window buckets tracked per owner.
type RateLimitWindowKind string

// Rate limit window kinds.
const (
	WindowMinute RateLimitWindowKind = "MINUTE"
	WindowHour   RateLimitWindowKind = "HOUR"
	WindowDay    RateLimitWindowKind = "DAY"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
