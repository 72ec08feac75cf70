package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

type sweepFakeJobs struct {
	stubJobs
	stuck   []domain.Job
	updated map[string]domain.JobStatus
}

func (f *sweepFakeJobs) ListStuckProcessing(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return f.stuck, nil
}

func (f *sweepFakeJobs) UpdateStatus(_ domain.Context, id string, from, to domain.JobStatus, _ *string) error {
	if f.updated == nil {
		f.updated = map[string]domain.JobStatus{}
	}
	f.updated[id] = to
	return nil
}

func TestStuckJobSweeper_MarksStuckJobsFailed(t *testing.T) {
	jobs := &sweepFakeJobs{stuck: []domain.Job{{ID: "job-1", Status: domain.JobProcessing}, {ID: "job-2", Status: domain.JobProcessing}}}
	sweeper := NewStuckJobSweeper(jobs, time.Minute, time.Hour)
	require.NotNil(t, sweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sweeper.Run(ctx)

	assert.Equal(t, domain.JobFailed, jobs.updated["job-1"])
	assert.Equal(t, domain.JobFailed, jobs.updated["job-2"])
}

func TestNewStuckJobSweeper_NilJobsReturnsNil(t *testing.T) {
	assert.Nil(t, NewStuckJobSweeper(nil, time.Minute, time.Minute))
}
