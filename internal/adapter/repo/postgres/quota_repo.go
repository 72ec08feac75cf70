package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// QuotaRepo implements domain.QuotaStore against the subscriptions/plans
// tables. Reserve performs the atomic compare-and-increment plus the lazy
// period rollover in a single statement, so no two concurrent reservations
// can ever both observe room for "the last slot".
type QuotaRepo struct {
	Pool         PgxPool
	DefaultPeriod time.Duration
	planGroup    singleflight.Group
}

// NewQuotaRepo constructs a QuotaRepo. defaultPeriod is the duration a
// rolled-over period advances by (§6 "quota.period").
func NewQuotaRepo(p PgxPool, defaultPeriod time.Duration) *QuotaRepo {
	return &QuotaRepo{Pool: p, DefaultPeriod: defaultPeriod}
}

// Reserve atomically increments jobs_used_in_period by n, rolling the period
// over first if it has elapsed, and rejects the reservation if it would
// exceed the plan's jobs_per_period or the subscription is not admitting.
func (r *QuotaRepo) Reserve(ctx domain.Context, ownerID string, n int) (domain.QuotaReservation, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"))

	now := time.Now().UTC()
	q := `UPDATE subscriptions s
	      SET jobs_used_in_period = CASE WHEN $2 >= s.period_end THEN $3 ELSE s.jobs_used_in_period + $3 END,
	          period_start        = CASE WHEN $2 >= s.period_end THEN $2 ELSE s.period_start END,
	          period_end          = CASE WHEN $2 >= s.period_end THEN $2 + $4::interval ELSE s.period_end END
	      FROM plans p
	      WHERE s.plan_id = p.id AND s.owner_id = $1
	        AND s.status IN ('ACTIVE','TRIALING')
	        AND (CASE WHEN $2 >= s.period_end THEN $3 ELSE s.jobs_used_in_period + $3 END) <= p.jobs_per_period
	      RETURNING s.owner_id`
	row := r.Pool.QueryRow(ctx, q, ownerID, now, n, intervalLiteral(r.DefaultPeriod))
	var returned string
	if err := row.Scan(&returned); err != nil {
		if err == pgx.ErrNoRows {
			return domain.QuotaReservation{}, fmt.Errorf("op=quota.reserve: %w", domain.ErrQuotaExceeded)
		}
		return domain.QuotaReservation{}, fmt.Errorf("op=quota.reserve: %w", err)
	}
	return domain.QuotaReservation{OwnerID: ownerID, N: n}, nil
}

// Release decrements jobs_used_in_period by the reservation's n, floored at
// zero. Used only on dispatcher rollback after a publish failure.
func (r *QuotaRepo) Release(ctx domain.Context, res domain.QuotaReservation) error {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.Release")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE subscriptions SET jobs_used_in_period = GREATEST(jobs_used_in_period - $1, 0) WHERE owner_id = $2`,
		res.N, res.OwnerID)
	if err != nil {
		return fmt.Errorf("op=quota.release: %w", err)
	}
	return nil
}

// PlanFor returns the Plan backing ownerID's active subscription. Concurrent
// lookups for the same owner (e.g. a burst of submissions validating
// allowed_models) are coalesced into a single query via singleflight.
func (r *QuotaRepo) PlanFor(ctx domain.Context, ownerID string) (domain.Plan, error) {
	v, err, _ := r.planGroup.Do(ownerID, func() (any, error) {
		tracer := otel.Tracer("repo.quota")
		qctx, span := tracer.Start(ctx, "quota.PlanFor")
		defer span.End()
		row := r.Pool.QueryRow(qctx, `SELECT p.id, p.jobs_per_period, p.templates_limit, p.batch_jobs_limit, COALESCE(p.allowed_models,''), p.priority_flag
			FROM subscriptions s JOIN plans p ON s.plan_id = p.id WHERE s.owner_id = $1`, ownerID)
		var p domain.Plan
		var allowed string
		if err := row.Scan(&p.ID, &p.JobsPerPeriod, &p.TemplatesLimit, &p.BatchJobsLimit, &allowed, &p.PriorityFlag); err != nil {
			if err == pgx.ErrNoRows {
				return domain.Plan{}, fmt.Errorf("op=quota.plan_for: %w", domain.ErrNotFound)
			}
			return domain.Plan{}, fmt.Errorf("op=quota.plan_for: %w", err)
		}
		if allowed != "" {
			p.AllowedModels = strings.Split(allowed, ",")
		}
		return p, nil
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return v.(domain.Plan), nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
