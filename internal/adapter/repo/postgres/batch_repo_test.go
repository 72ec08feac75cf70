package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func TestBatchRepo_CreateWithJobs_Commits(t *testing.T) {
	pool := &poolStub{tx: &txStub{}}
	repo := postgres.NewBatchRepo(pool)
	id, jobIDs, err := repo.CreateWithJobs(context.Background(), domain.BatchJob{OwnerID: "owner-1", Total: 2, Status: domain.BatchPending},
		[]domain.Job{{OwnerID: "owner-1", JDURL: "https://a"}, {OwnerID: "owner-1", JDURL: "https://b"}})
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, jobIDs, 2)
}

func TestBatchRepo_CreateWithJobs_RollsBackOnInsertFailure(t *testing.T) {
	pool := &poolStub{tx: &txStub{execErr: errors.New("insert failed")}}
	repo := postgres.NewBatchRepo(pool)
	_, _, err := repo.CreateWithJobs(context.Background(), domain.BatchJob{OwnerID: "owner-1", Total: 1}, []domain.Job{{OwnerID: "owner-1"}})
	assert.Error(t, err)
}

func TestBatchRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewBatchRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBatchRepo_RecordChildTerminal_DerivesCompletedStatus(t *testing.T) {
	tx := &txStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*int) = 2
		*dest[1].(*int) = 2
		*dest[2].(*int) = 0
		return nil
	}}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewBatchRepo(pool)
	err := repo.RecordChildTerminal(context.Background(), "batch-1", true)
	assert.NoError(t, err)
	if assert.Len(t, tx.execArgs, 1) {
		assert.Equal(t, []any{domain.BatchCompleted, "batch-1"}, tx.execArgs[0])
	}
}

func TestBatchRepo_UpdateStatus_NotFoundWhenNoRowsAffected(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewBatchRepo(pool)
	err := repo.UpdateStatus(context.Background(), "missing", domain.BatchCancelled)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
