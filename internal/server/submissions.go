package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

type SubmissionHandler struct {
	pipeline Pipeline
	reader   Reader
	logger   *slog.Logger
}

func (h *SubmissionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/{submissionID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.delete)
		r.Post("/reprocess", h.reprocess)
		r.Post("/reevaluate", h.reevaluate)
	})
}

func (h *SubmissionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "submissionID")
	if err != nil {
		respondErr(w, err)
		return
	}
	sub, err := h.reader.GetSubmission(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubmissionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "submissionID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.pipeline.Delete(r.Context(), id, constants.RoleSubmission); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubmissionHandler) reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "submissionID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.pipeline.Reprocess(r.Context(), id, constants.RoleSubmission); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{ID: id, Status: string(constants.StatusPending)})
}

// reevaluate grades an already extracted submission again.
func (h *SubmissionHandler) reevaluate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "submissionID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.pipeline.Reevaluate(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{ID: id, Status: string(constants.EvalPending)})
}
