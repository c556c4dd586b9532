// Package server exposes the status polling API over HTTP and a gRPC health service.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/ingest"
)

// Pipeline is the write side of the grading pipeline.
type Pipeline interface {
	AddAssignment(ctx context.Context, a *entity.Assignment) error
	AddSubmission(ctx context.Context, s *entity.Submission) error
	Status(ctx context.Context, id uuid.UUID) (entity.AssignmentStatus, error)
	Reprocess(ctx context.Context, id uuid.UUID, role constants.Role) error
	Reevaluate(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID, role constants.Role) error
}

// Reader reads stored documents.
type Reader interface {
	GetAssignment(ctx context.Context, id uuid.UUID) (*entity.Assignment, error)
	ListAssignments(ctx context.Context) ([]*entity.Assignment, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
	ListSubmissions(ctx context.Context, assignmentID uuid.UUID) ([]*entity.Submission, error)
}

// Jobs reports on queued work.
type Jobs interface {
	GetJobStatus(id uuid.UUID) (async.Job, error)
	Cancel(id uuid.UUID) (async.Job, error)
	Stats() map[string]async.LaneStats
}

// Exporter renders grade workbooks.
type Exporter interface {
	ExportGradesXLSX(ctx context.Context, assignmentID uuid.UUID) ([]byte, error)
}

// Deps are the services the HTTP API is built on. The ingest routes are
// mounted only when both Ingestor and IngestRoot are set.
type Deps struct {
	Pipeline   Pipeline
	Reader     Reader
	Jobs       Jobs
	Exporter   Exporter
	Ingestor   ingest.Ingestor
	IngestRoot string
	Logger     *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(v1 chi.Router) {
		assignments := &AssignmentHandler{pipeline: d.Pipeline, reader: d.Reader, exporter: d.Exporter, logger: d.Logger}
		v1.Route("/assignments", assignments.RegisterRoutes)

		submissions := &SubmissionHandler{pipeline: d.Pipeline, reader: d.Reader, logger: d.Logger}
		v1.Route("/submissions", submissions.RegisterRoutes)

		jobs := &JobHandler{jobs: d.Jobs}
		v1.Route("/jobs", jobs.RegisterRoutes)

		if d.Ingestor != nil && d.IngestRoot != "" {
			ing := &IngestHandler{ingestor: d.Ingestor, root: d.IngestRoot, logger: d.Logger}
			v1.Route("/ingest", ing.RegisterRoutes)
		}
	})
	return r
}

// requestLogger tags the request context with chi's request id and logs one
// line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if id := chiMiddleware.GetReqID(ctx); id != "" {
				ctx = common.WithRequestID(ctx, id)
			}
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			common.LoggerFrom(ctx, logger).Debug("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func pathID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, common.NewAppError("INVALID_ID", key+" must be a UUID", common.ErrInvalidInput)
	}
	return id, nil
}
