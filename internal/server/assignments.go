package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/export"
)

type AssignmentHandler struct {
	pipeline Pipeline
	reader   Reader
	exporter Exporter
	logger   *slog.Logger
}

func (h *AssignmentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Route("/{assignmentID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.delete)
		r.Get("/status", h.status)
		r.Post("/reprocess", h.reprocess)
		r.Get("/submissions", h.listSubmissions)
		r.Post("/submissions", h.createSubmission)
		r.Get("/export", h.export)
	})
}

type createAssignmentRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	TotalPoints       float64  `json:"total_points"`
	Models            []string `json:"models"`
	UseAverageGrading bool     `json:"use_average_grading"`
	AssignmentFile    string   `json:"assignment_file"`
	RubricFile        string   `json:"rubric_file"`
	SolutionFile      string   `json:"solution_file"`
}

type acceptedResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

func (h *AssignmentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	a := &entity.Assignment{
		Title:             req.Title,
		Description:       req.Description,
		TotalPoints:       req.TotalPoints,
		Models:            req.Models,
		UseAverageGrading: req.UseAverageGrading,
		AssignmentFile:    req.AssignmentFile,
		RubricFile:        req.RubricFile,
		SolutionFile:      req.SolutionFile,
	}
	if err := h.pipeline.AddAssignment(r.Context(), a); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{ID: a.ID, Status: string(constants.StatusPending)})
}

func (h *AssignmentHandler) list(w http.ResponseWriter, r *http.Request) {
	as, err := h.reader.ListAssignments(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"assignments": as})
}

func (h *AssignmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	a, err := h.reader.GetAssignment(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *AssignmentHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.pipeline.Delete(r.Context(), id, constants.RoleAssignment); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AssignmentHandler) status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	st, err := h.pipeline.Status(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// reprocess resets one document role; ?role= defaults to assignment.
func (h *AssignmentHandler) reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	role := constants.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = constants.RoleAssignment
	}
	if role == constants.RoleSubmission {
		respondError(w, http.StatusBadRequest, "use /submissions/{id}/reprocess for submissions")
		return
	}
	if err := h.pipeline.Reprocess(r.Context(), id, role); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{ID: id, Status: string(constants.StatusPending)})
}

func (h *AssignmentHandler) listSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, err := h.reader.GetAssignment(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	subs, err := h.reader.ListSubmissions(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

type createSubmissionRequest struct {
	StudentID string `json:"student_id"`
	FilePath  string `json:"file_path"`
}

func (h *AssignmentHandler) createSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	var req createSubmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	sub := &entity.Submission{AssignmentID: id, StudentID: req.StudentID, FilePath: req.FilePath}
	if err := h.pipeline.AddSubmission(r.Context(), sub); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{ID: sub.ID, Status: string(constants.StatusPending)})
}

func (h *AssignmentHandler) export(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignmentID")
	if err != nil {
		respondErr(w, err)
		return
	}
	xlsx, err := h.exporter.ExportGradesXLSX(r.Context(), id)
	if err != nil {
		common.LoggerFrom(r.Context(), h.logger).Error("export.xlsx.failed", "assignment_id", id, "error", err)
		respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(id)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(xlsx)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}
