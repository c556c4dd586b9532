package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/ingest"
)

type IngestHandler struct {
	ingestor ingest.Ingestor
	root     string
	logger   *slog.Logger
}

func (h *IngestHandler) RegisterRoutes(r chi.Router) {
	r.Post("/file", h.file)
	r.Post("/scan", h.scan)
}

type ingestFileRequest struct {
	AssignmentID string `json:"assignment_id"`
	Path         string `json:"path"`
}

type ingestResult struct {
	SourcePath   string    `json:"source_path"`
	AssignmentID uuid.UUID `json:"assignment_id"`
	SubmissionID uuid.UUID `json:"submission_id,omitempty"`
	StudentID    string    `json:"student_id,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	Hash         string    `json:"hash,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func toIngestResult(r ingest.IngestionResult) ingestResult {
	return ingestResult{
		SourcePath:   r.SourcePath,
		AssignmentID: r.AssignmentID,
		SubmissionID: r.SubmissionID,
		StudentID:    r.StudentID,
		Deduplicated: r.Deduplicated,
		Hash:         r.HashHex,
		Error:        r.Err,
	}
}

func (h *IngestHandler) file(w http.ResponseWriter, r *http.Request) {
	var req ingestFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.AssignmentID))
	if err != nil {
		respondErr(w, common.NewAppError("INVALID_ID", "assignment_id must be a UUID", common.ErrInvalidInput))
		return
	}
	res, err := h.ingestor.IngestPath(r.Context(), id, strings.TrimSpace(req.Path))
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, toIngestResult(res))
}

type scanRequest struct {
	SkipHidden *bool `json:"skip_hidden"`
}

type scanResponse struct {
	Results      []ingestResult `json:"results"`
	Scanned      uint32         `json:"scanned"`
	Matched      uint32         `json:"matched"`
	Succeeded    uint32         `json:"succeeded"`
	Deduplicated uint32         `json:"deduplicated"`
	Failed       uint32         `json:"failed"`
}

// scan ingests every supported file under <drop folder>/<assignmentID>/. An
// empty body is allowed.
func (h *IngestHandler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondErr(w, err)
			return
		}
	}
	skipHidden := true
	if req.SkipHidden != nil {
		skipHidden = *req.SkipHidden
	}
	results, stats, err := h.ingestor.IngestDirectory(r.Context(), h.root, skipHidden)
	if err != nil {
		common.LoggerFrom(r.Context(), h.logger).Error("ingest.scan_failed", "root", h.root, "error", err)
		respondErr(w, err)
		return
	}
	out := scanResponse{
		Results:      make([]ingestResult, 0, len(results)),
		Scanned:      stats.Scanned,
		Matched:      stats.Matched,
		Succeeded:    stats.Succeeded,
		Deduplicated: stats.Deduplicated,
		Failed:       stats.Failed,
	}
	for _, res := range results {
		out.Results = append(out.Results, toIngestResult(res))
	}
	respondJSON(w, http.StatusOK, out)
}
