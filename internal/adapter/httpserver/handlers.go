// Package httpserver contains HTTP handlers and middleware for the job
// dispatch gateway's external REST/SSE API.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/dispatch"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/sse"
)

// Server aggregates the external API's handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatcher dispatch.Dispatcher
	Jobs       domain.JobRepository
	Batches    domain.BatchRepository
	Stream     *sse.Manager
	Auth       *OwnerAuthenticator

	DBCheck    func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error
}

// NewServer constructs a Server with all handlers wired.
func NewServer(cfg config.Config, d dispatch.Dispatcher, jobs domain.JobRepository, batches domain.BatchRepository, stream *sse.Manager, auth *OwnerAuthenticator, dbCheck, queueCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, Jobs: jobs, Batches: batches, Stream: stream, Auth: auth, DBCheck: dbCheck, QueueCheck: queueCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Routes mounts the gateway's external API on r. The health probes are
// public; every route inside the group requires a valid owner bearer token.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/applications", s.SubmitJobHandler())
		r.Get("/applications/{id}", s.GetJobHandler())
		r.Get("/applications/{id}/artifact", s.GetArtifactHandler())
		r.Get("/applications/{id}/stream", s.StreamHandler())
		r.Post("/applications/{id}/cancel", s.CancelJobHandler())

		r.Post("/batch-jobs", s.SubmitBatchHandler())
		r.Get("/batch-jobs/{id}", s.GetBatchHandler())
		r.Post("/batch-jobs/{id}/cancel", s.CancelBatchHandler())
	})
}

type submitJobRequest struct {
	JDURL         string `json:"jdUrl" validate:"required"`
	ResumeURI     string `json:"resumeUri"`
	ModelProvider string `json:"modelProvider"`
	ModelName     string `json:"modelName"`
}

// SubmitJobHandler handles POST /applications.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		out, err := s.Dispatcher.SubmitJob(r.Context(), dispatch.SubmitJobInput{
			OwnerID:       OwnerIDFromContext(r.Context()),
			JDURL:         req.JDURL,
			ResumeURI:     req.ResumeURI,
			ModelProvider: req.ModelProvider,
			ModelName:     req.ModelName,
			IdemKey:       r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": out.JobID, "streamEndpoint": out.StreamEndpoint})
	}
}

type jobView struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	JDURL         string  `json:"jdUrl"`
	ModelProvider string  `json:"modelProvider,omitempty"`
	ModelName     string  `json:"modelName,omitempty"`
	BatchID       string  `json:"batchId,omitempty"`
	FailureReason string  `json:"failureReason,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func jobToView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, Status: string(j.Status), JDURL: j.JDURL,
		ModelProvider: j.ModelProvider, ModelName: j.ModelName, BatchID: j.BatchID,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339), UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

// GetJobHandler handles GET /applications/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.OwnerID != OwnerIDFromContext(r.Context()) {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobToView(job))
	}
}

// GetArtifactHandler handles GET /applications/{id}/artifact.
func (s *Server) GetArtifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.OwnerID != OwnerIDFromContext(r.Context()) {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}
		if job.Status != domain.JobCompleted {
			writeError(w, r, fmt.Errorf("%w: artifact not ready", domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"generatedText":   job.GeneratedText,
			"wordCount":       job.WordCount,
			"extractedSkills": job.ExtractedSkills,
			"jobTitle":        job.JobTitle,
			"companyName":     job.CompanyName,
		})
	}
}

// CancelJobHandler handles POST /applications/{id}/cancel.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Dispatcher.CancelJob(r.Context(), OwnerIDFromContext(r.Context()), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type submitBatchRequest struct {
	JobURLs         []string `json:"jobUrls" validate:"required,min=1"`
	ResumeURI       string   `json:"resumeUri"`
	ModelProvider   string   `json:"modelProvider"`
	ModelName       string   `json:"modelName"`
	AutoStart       bool     `json:"autoStart"`
}

// SubmitBatchHandler handles POST /batch-jobs.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req submitBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}

		out, err := s.Dispatcher.SubmitBatch(r.Context(), dispatch.SubmitBatchInput{
			OwnerID:         OwnerIDFromContext(r.Context()),
			URLs:            req.JobURLs,
			SharedResumeURI: req.ResumeURI,
			ModelProvider:   req.ModelProvider,
			ModelName:       req.ModelName,
			AutoStart:       req.AutoStart,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"batchJobId": out.BatchID})
	}
}

type batchView struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Total          int    `json:"total"`
	CompletedCount int    `json:"completedCount"`
	FailedCount    int    `json:"failedCount"`
	Progress       float64 `json:"progress"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

// GetBatchHandler handles GET /batch-jobs/{id}.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		batch, err := s.Batches.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if batch.OwnerID != OwnerIDFromContext(r.Context()) {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}
		writeJSON(w, http.StatusOK, batchView{
			ID: batch.ID, Status: string(batch.Status), Total: batch.Total,
			CompletedCount: batch.CompletedCount, FailedCount: batch.FailedCount,
			Progress:  batch.Progress(),
			CreatedAt: batch.CreatedAt.Format(time.RFC3339), UpdatedAt: batch.UpdatedAt.Format(time.RFC3339),
		})
	}
}

// CancelBatchHandler handles POST /batch-jobs/{id}/cancel.
func (s *Server) CancelBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Dispatcher.CancelBatch(r.Context(), OwnerIDFromContext(r.Context()), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// StreamHandler handles GET /applications/{id}/stream, an SSE endpoint
// fanning out domain.Event updates for one job. Grounded on the streaming
// idiom used elsewhere in the example corpus (http.Flusher, a disabled write
// deadline via http.NewResponseController, and a periodic heartbeat comment
// to keep proxies from closing the connection).
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.OwnerID != OwnerIDFromContext(r.Context()) {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}

		stream, err := s.Stream.OpenStream(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer stream.Close()

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming not supported", domain.ErrInternal), nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		heartbeat := time.NewTicker(s.heartbeatInterval())
		defer heartbeat.Stop()

		timeout := time.NewTimer(s.streamTimeout())
		defer timeout.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timeout.C:
				writeSSE(w, flusher, domain.Event{JobID: id, Status: "TIMEOUT", Timestamp: time.Now().UTC()})
				return
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case ev, ok := <-stream.Events():
				if !ok {
					return
				}
				writeSSE(w, flusher, ev)
				if ev.Terminal() {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

func (s *Server) heartbeatInterval() time.Duration {
	if s.Cfg.SSEHeartbeatInterval > 0 {
		return s.Cfg.SSEHeartbeatInterval
	}
	return 15 * time.Second
}

func (s *Server) streamTimeout() time.Duration {
	if t := s.Stream.StreamTimeout(); t > 0 {
		return t
	}
	return 15 * time.Minute
}

// HealthzHandler is a liveness probe: no dependency checks.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs DBCheck and QueueCheck, reporting them as "db" and
// "queue"; cmd/server wires QueueCheck to the Redis ping from
// app.BuildReadinessChecks.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var checks []check
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.QueueCheck != nil {
			if err := s.QueueCheck(ctx); err != nil {
				checks = append(checks, check{Name: "queue", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "queue", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
