package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func TestQuotaRepo_Reserve_Succeeds(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*string) = "owner-1"
		return nil
	}}}
	repo := postgres.NewQuotaRepo(pool, 30*24*time.Hour)
	res, err := repo.Reserve(context.Background(), "owner-1", 1)
	assert.NoError(t, err)
	assert.Equal(t, "owner-1", res.OwnerID)
	assert.Equal(t, 1, res.N)
}

func TestQuotaRepo_Reserve_ExceededReturnsQuotaError(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewQuotaRepo(pool, 30*24*time.Hour)
	_, err := repo.Reserve(context.Background(), "owner-1", 1)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestQuotaRepo_Release_Succeeds(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewQuotaRepo(pool, 30*24*time.Hour)
	err := repo.Release(context.Background(), domain.QuotaReservation{OwnerID: "owner-1", N: 1})
	assert.NoError(t, err)
}

func TestQuotaRepo_PlanFor_ParsesAllowedModels(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*string) = "pro"
		*dest[1].(*int) = 100
		*dest[2].(*int) = 10
		*dest[3].(*int) = 5
		*dest[4].(*string) = "gpt-4o,claude-3"
		*dest[5].(*bool) = true
		return nil
	}}}
	repo := postgres.NewQuotaRepo(pool, 30*24*time.Hour)
	plan, err := repo.PlanFor(context.Background(), "owner-1")
	assert.NoError(t, err)
	assert.Equal(t, "pro", plan.ID)
	assert.Equal(t, []string{"gpt-4o", "claude-3"}, plan.AllowedModels)
	assert.True(t, plan.PriorityFlag)
}

func TestQuotaRepo_PlanFor_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewQuotaRepo(pool, 30*24*time.Hour)
	_, err := repo.PlanFor(context.Background(), "owner-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
