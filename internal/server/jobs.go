package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/internal/async"
)

type JobHandler struct {
	jobs Jobs
}

func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.stats)
	r.Get("/{jobID}", h.get)
	r.Delete("/{jobID}", h.cancel)
}

type jobView struct {
	ID          uuid.UUID      `json:"id"`
	Queue       string         `json:"queue"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toJobView(j async.Job) jobView {
	return jobView{
		ID:          j.ID,
		Queue:       j.Queue,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Payload:     j.Payload,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

func (h *JobHandler) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"queues": h.jobs.Stats()})
}

func (h *JobHandler) get(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, h.jobs.GetJobStatus)
}

func (h *JobHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.withJob(w, r, h.jobs.Cancel)
}

func (h *JobHandler) withJob(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID) (async.Job, error)) {
	id, err := pathID(r, "jobID")
	if err != nil {
		respondErr(w, err)
		return
	}
	job, err := fn(id)
	if errors.Is(err, async.ErrUnknownJob) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobView(job))
}
