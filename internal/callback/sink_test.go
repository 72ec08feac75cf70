package callback

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

const testInternalKey = "test-internal-key"

var fastArgon2Params = httpserver.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

type fakeJobs struct {
	jobs map[string]domain.Job
}

func newFakeJobs(jobs ...domain.Job) *fakeJobs {
	m := map[string]domain.Job{}
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeJobs{jobs: m}
}

func (f *fakeJobs) Create(_ domain.Context, _ domain.Job) (string, error) { return "", nil }

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) FindByIdempotencyKey(_ domain.Context, _, _ string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) UpdateStatus(_ domain.Context, id string, from, to domain.JobStatus, reason *string) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != from {
		return domain.ErrConflict
	}
	j.Status = to
	if reason != nil {
		j.FailureReason = *reason
	}
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) CompleteWithArtifact(_ domain.Context, id string, artifact domain.JobArtifact) error {
	j, ok := f.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	j.Status = domain.JobCompleted
	j.GeneratedText = artifact.GeneratedText
	j.WordCount = artifact.WordCount
	f.jobs[id] = j
	return nil
}

func (f *fakeJobs) ListByBatch(_ domain.Context, _ string) ([]domain.Job, error) { return nil, nil }
func (f *fakeJobs) ListStuckProcessing(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return nil, nil
}

type fakeBatches struct {
	recorded []bool
}

func (f *fakeBatches) CreateWithJobs(_ domain.Context, _ domain.BatchJob, _ []domain.Job) (string, []string, error) {
	return "", nil, nil
}
func (f *fakeBatches) Get(_ domain.Context, _ string) (domain.BatchJob, error) {
	return domain.BatchJob{}, nil
}
func (f *fakeBatches) RecordChildTerminal(_ domain.Context, _ string, completed bool) error {
	f.recorded = append(f.recorded, completed)
	return nil
}
func (f *fakeBatches) UpdateStatus(_ domain.Context, _ string, _ domain.BatchJobStatus) error {
	return nil
}

type fakeEvents struct{ events []domain.Event }

func (f *fakeEvents) Broadcast(_ domain.Context, _ string, ev domain.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func newTestSink(jobs *fakeJobs, batches *fakeBatches, events *fakeEvents) (*Sink, chi.Router) {
	hash, err := httpserver.HashPassword(testInternalKey, fastArgon2Params)
	if err != nil {
		panic(err)
	}
	s := NewSink(jobs, batches, events, hash)
	r := chi.NewRouter()
	s.Routes(r)
	return s, r
}

func doCallback(t *testing.T, r chi.Router, jobID, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+jobID+"/events", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set("X-Internal-Key", key)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleEvent_RejectsMissingKey(t *testing.T) {
	_, r := newTestSink(newFakeJobs(), &fakeBatches{}, &fakeEvents{})
	rec := doCallback(t, r, "job-1", "", `{"status":"PROCESSING"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEvent_RejectsWrongKey(t *testing.T) {
	_, r := newTestSink(newFakeJobs(), &fakeBatches{}, &fakeEvents{})
	rec := doCallback(t, r, "job-1", "wrong-key", `{"status":"PROCESSING"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEvent_ProcessingTransition(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobPending})
	events := &fakeEvents{}
	_, r := newTestSink(jobs, &fakeBatches{}, events)
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"PROCESSING"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobProcessing, jobs.jobs["job-1"].Status)
	require.Len(t, events.events, 1)
	assert.Equal(t, "PROCESSING", events.events[0].Status)
}

func TestHandleEvent_CompletedPersistsArtifactAndUpdatesBatch(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobProcessing, BatchID: "batch-1"})
	batches := &fakeBatches{}
	events := &fakeEvents{}
	_, r := newTestSink(jobs, batches, events)
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"COMPLETED","artifact":{"generated_text":"hello","word_count":1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobCompleted, jobs.jobs["job-1"].Status)
	assert.Equal(t, "hello", jobs.jobs["job-1"].GeneratedText)
	require.Len(t, batches.recorded, 1)
	assert.True(t, batches.recorded[0])
	require.Len(t, events.events, 1)
}

func TestHandleEvent_DuplicateTerminalCallbackDeduplicated(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobCompleted})
	batches := &fakeBatches{}
	events := &fakeEvents{}
	_, r := newTestSink(jobs, batches, events)
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"COMPLETED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, batches.recorded, "repeat terminal callback must not mutate the aggregate again")
	assert.Empty(t, events.events, "repeat terminal callback must not re-emit")
}

func TestHandleEvent_CancelledJobReturns200NoOp(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobCancelled})
	events := &fakeEvents{}
	_, r := newTestSink(jobs, &fakeBatches{}, events)
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"COMPLETED"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events.events)
}

func TestHandleEvent_IllegalTransitionReturns409(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobPending})
	_, r := newTestSink(jobs, &fakeBatches{}, &fakeEvents{})
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"COMPLETED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleEvent_UnknownJobReturns404(t *testing.T) {
	_, r := newTestSink(newFakeJobs(), &fakeBatches{}, &fakeEvents{})
	rec := doCallback(t, r, "missing", testInternalKey, `{"status":"PROCESSING"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEvent_InvalidStatusReturns400(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobPending})
	_, r := newTestSink(jobs, &fakeBatches{}, &fakeEvents{})
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"BOGUS"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEvent_FailedPersistsReasonAndUpdatesBatch(t *testing.T) {
	jobs := newFakeJobs(domain.Job{ID: "job-1", Status: domain.JobProcessing, BatchID: "batch-1"})
	batches := &fakeBatches{}
	events := &fakeEvents{}
	_, r := newTestSink(jobs, batches, events)
	rec := doCallback(t, r, "job-1", testInternalKey, `{"status":"FAILED","message":"model timeout"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobFailed, jobs.jobs["job-1"].Status)
	assert.Equal(t, "model timeout", jobs.jobs["job-1"].FailureReason)
	require.Len(t, batches.recorded, 1)
	assert.False(t, batches.recorded[0])
}
