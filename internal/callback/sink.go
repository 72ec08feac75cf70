// Package callback implements the CallbackSink: the authenticated internal
// HTTP endpoint workers use to report job status transitions back to the
// gateway.
package callback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-cv-evaluator/internal/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/pkg/textx"
)

// EventEmitter is the subset of sse.Manager the sink needs to announce job
// status changes to any attached stream.
type EventEmitter interface {
	Broadcast(ctx domain.Context, jobID string, ev domain.Event) error
}

// Sink handles POST /internal/jobs/{job_id}/events, authenticated via
// X-Internal-Key compared against an Argon2id hash using the teacher's
// password-hashing helper (httpserver.HashPassword/VerifyPassword),
// repurposed here for shared-secret worker authentication.
type Sink struct {
	Jobs            domain.JobRepository
	Batches         domain.BatchRepository
	Events          EventEmitter
	InternalKeyHash string
}

// NewSink constructs a Sink. internalKeyHash is the Argon2id-encoded hash of
// the expected X-Internal-Key value, produced by httpserver.HashPassword.
func NewSink(jobs domain.JobRepository, batches domain.BatchRepository, events EventEmitter, internalKeyHash string) *Sink {
	return &Sink{Jobs: jobs, Batches: batches, Events: events, InternalKeyHash: internalKeyHash}
}

// Routes mounts the callback route on r.
func (s *Sink) Routes(r chi.Router) {
	r.Post("/internal/jobs/{job_id}/events", s.handleEvent)
}

type eventPayload struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Progress *float64       `json:"progress,omitempty"`
	Artifact *artifactFields `json:"artifact,omitempty"`
}

type artifactFields struct {
	GeneratedText   string   `json:"generated_text"`
	WordCount       int      `json:"word_count"`
	ExtractedSkills []string `json:"extracted_skills"`
	JobTitle        string   `json:"job_title"`
	CompanyName     string   `json:"company_name"`
}

func (s *Sink) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := obsctx.LoggerFromContext(ctx)

	if !s.authenticate(r) {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	jobID := chi.URLParam(r, "job_id")
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	to, ok := statusToJobStatus(payload.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if job.Status == domain.JobCancelled {
		lg.Info("CANCELLED_NOOP", slog.String("job_id", jobID))
		w.WriteHeader(http.StatusOK)
		return
	}
	if job.Status.Terminal() {
		// First terminal write wins; a repeat/late terminal callback is
		// silently deduplicated per §4.5.
		w.WriteHeader(http.StatusOK)
		return
	}
	if !domain.CanTransitionJob(job.Status, to) {
		writeError(w, http.StatusConflict, "illegal transition")
		return
	}

	switch to {
	case domain.JobProcessing:
		if err := s.Jobs.UpdateStatus(ctx, jobID, job.Status, domain.JobProcessing, nil); err != nil {
			s.writeUpdateErr(w, err)
			return
		}
		s.emit(ctx, jobID, domain.Event{
			JobID: jobID, Status: string(domain.JobProcessing),
			Message: payload.Message, Progress: payload.Progress, Timestamp: time.Now().UTC(),
		})

	case domain.JobCompleted:
		var art domain.JobArtifact
		if payload.Artifact != nil {
			// Worker-supplied free text passes through an external boundary;
			// strip control characters before it lands in storage or an SSE
			// frame.
			art = domain.JobArtifact{
				GeneratedText:   textx.SanitizeText(payload.Artifact.GeneratedText),
				WordCount:       payload.Artifact.WordCount,
				ExtractedSkills: payload.Artifact.ExtractedSkills,
				JobTitle:        textx.SanitizeText(payload.Artifact.JobTitle),
				CompanyName:     textx.SanitizeText(payload.Artifact.CompanyName),
			}
		}
		if err := s.Jobs.CompleteWithArtifact(ctx, jobID, art); err != nil {
			s.writeUpdateErr(w, err)
			return
		}
		observability.JobsCompletedTotal.WithLabelValues("single").Inc()
		if job.BatchID != "" {
			if err := s.Batches.RecordChildTerminal(ctx, job.BatchID, true); err != nil {
				lg.Error("callback batch aggregate update failed", slog.String("batch_id", job.BatchID), slog.Any("error", err))
			}
		}
		s.emit(ctx, jobID, domain.Event{
			JobID: jobID, Status: string(domain.JobCompleted),
			GeneratedText: art.GeneratedText, Timestamp: time.Now().UTC(),
		})

	case domain.JobFailed:
		reason := payload.Message
		if err := s.Jobs.UpdateStatus(ctx, jobID, job.Status, domain.JobFailed, &reason); err != nil {
			s.writeUpdateErr(w, err)
			return
		}
		observability.JobsFailedTotal.WithLabelValues("single").Inc()
		if job.BatchID != "" {
			if err := s.Batches.RecordChildTerminal(ctx, job.BatchID, false); err != nil {
				lg.Error("callback batch aggregate update failed", slog.String("batch_id", job.BatchID), slog.Any("error", err))
			}
		}
		s.emit(ctx, jobID, domain.Event{
			JobID: jobID, Status: string(domain.JobFailed),
			Message: reason, Timestamp: time.Now().UTC(),
		})
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Sink) authenticate(r *http.Request) bool {
	if s.InternalKeyHash == "" {
		return false
	}
	key := r.Header.Get("X-Internal-Key")
	if key == "" {
		return false
	}
	return httpserver.VerifyPassword(key, s.InternalKeyHash)
}

func (s *Sink) emit(ctx domain.Context, jobID string, ev domain.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Broadcast(ctx, jobID, ev); err != nil {
		slog.Warn("callback sse broadcast failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (s *Sink) writeUpdateErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusToJobStatus(s string) (domain.JobStatus, bool) {
	switch s {
	case string(domain.JobProcessing):
		return domain.JobProcessing, true
	case string(domain.JobCompleted):
		return domain.JobCompleted, true
	case string(domain.JobFailed):
		return domain.JobFailed, true
	default:
		return "", false
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
