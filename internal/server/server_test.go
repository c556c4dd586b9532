package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/async"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
	"github.com/joseph-ayodele/assignment-grader/internal/export"
	"github.com/joseph-ayodele/assignment-grader/internal/ingest"
	"github.com/joseph-ayodele/assignment-grader/internal/pipeline"
	"github.com/joseph-ayodele/assignment-grader/internal/repository"
)

type fakeIngestor struct {
	paths []string
	roots []string
}

func (f *fakeIngestor) IngestPath(ctx context.Context, assignmentID uuid.UUID, path string) (ingest.IngestionResult, error) {
	if path == "" {
		return ingest.IngestionResult{}, common.NewAppError("INVALID_PATH", "path is required", common.ErrInvalidInput)
	}
	f.paths = append(f.paths, path)
	return ingest.IngestionResult{SourcePath: path, AssignmentID: assignmentID, SubmissionID: uuid.New(), StudentID: "s1"}, nil
}

func (f *fakeIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]ingest.IngestionResult, ingest.DirStats, error) {
	f.roots = append(f.roots, root)
	return []ingest.IngestionResult{{SourcePath: root + "/a/s1.md"}}, ingest.DirStats{Scanned: 3, Matched: 1, Succeeded: 1}, nil
}

type harness struct {
	srv      *httptest.Server
	store    *repository.MemoryStore
	queue    *async.Queue
	ingestor *fakeIngestor
}

// newHarness wires the API to a real pipeline whose queues have no workers,
// so created jobs stay waiting.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemoryStore(nil)
	q, err := async.NewQueue(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })

	p := pipeline.New(store, q, nil, nil, nil, nil)
	ing := &fakeIngestor{}
	srv := httptest.NewServer(NewRouter(Deps{
		Pipeline:   p,
		Reader:     store,
		Jobs:       q,
		Exporter:   export.NewService(store, nil),
		Ingestor:   ing,
		IngestRoot: "/drop",
	}))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store, queue: q, ingestor: ing}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) createAssignment(t *testing.T, body map[string]any) uuid.UUID {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/assignments", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[acceptedResponse](t, resp).ID
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAssignment_QueuesDocumentsAndReportsStatus(t *testing.T) {
	h := newHarness(t)
	id := h.createAssignment(t, map[string]any{
		"title":           "Essay",
		"assignment_file": "brief.pdf",
		"rubric_file":     "rubric.pdf",
		"total_points":    20,
	})

	resp := h.do(t, http.MethodGet, "/api/v1/assignments/"+id.String()+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[entity.AssignmentStatus](t, resp)
	assert.Equal(t, id, st.AssignmentID)
	assert.Equal(t, constants.StatusPending, st.AssignmentProcessingStatus)
	assert.Equal(t, constants.ReadyNotReady, st.EvaluationReadyStatus)
	assert.Equal(t, float64(20), st.TotalPoints)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[struct {
		Queues map[string]async.LaneStats `json:"queues"`
	}](t, resp)
	assert.Equal(t, 1, stats.Queues[constants.QueueAssignment].Waiting)
	assert.Equal(t, 1, stats.Queues[constants.QueueRubric].Waiting)
	assert.Zero(t, stats.Queues[constants.QueueSolution].Waiting)

	resp = h.do(t, http.MethodGet, "/api/v1/assignments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]entity.Assignment](t, resp)
	require.Len(t, list["assignments"], 1)
	assert.Equal(t, "Essay", list["assignments"][0].Title)
}

func TestCreateAssignment_Rejects(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{"assignment_file": "brief.pdf"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{"title": "x", "assignment_file": "brief.exe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{"title": "x", "assignment_file": "a.pdf", "surprise": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", decode[errorResponse](t, resp).Code)
}

func TestAssignmentLookups(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/assignments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ID", decode[errorResponse](t, resp).Code)

	for _, path := range []string{"", "/status", "/submissions", "/export"} {
		resp = h.do(t, http.MethodGet, "/api/v1/assignments/"+uuid.NewString()+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	h := newHarness(t)
	aid := h.createAssignment(t, map[string]any{"title": "Essay", "assignment_file": "brief.md"})

	resp := h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/submissions",
		map[string]any{"student_id": "s1", "file_path": "s1.md"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sid := decode[acceptedResponse](t, resp).ID

	resp = h.do(t, http.MethodGet, "/api/v1/submissions/"+sid.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub := decode[entity.Submission](t, resp)
	assert.Equal(t, "s1", sub.StudentID)
	assert.Equal(t, constants.EvalPending, sub.EvaluationStatus)

	resp = h.do(t, http.MethodGet, "/api/v1/assignments/"+aid.String()+"/submissions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]entity.Submission](t, resp)["submissions"], 1)

	// not extracted yet
	resp = h.do(t, http.MethodPost, "/api/v1/submissions/"+sid.String()+"/reevaluate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NOT_PROCESSED", decode[errorResponse](t, resp).Code)

	resp = h.do(t, http.MethodGet, "/api/v1/assignments/"+aid.String()+"/status", nil)
	assert.Equal(t, 1, decode[entity.AssignmentStatus](t, resp).Submissions.Pending)

	resp = h.do(t, http.MethodDelete, "/api/v1/submissions/"+sid.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/v1/submissions/"+sid.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSubmission_UnknownAssignment(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/v1/assignments/"+uuid.NewString()+"/submissions",
		map[string]any{"student_id": "s1", "file_path": "s1.md"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReprocessAssignment(t *testing.T) {
	h := newHarness(t)
	aid := h.createAssignment(t, map[string]any{"title": "Essay", "assignment_file": "brief.md"})

	resp := h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/reprocess?role=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/reprocess?role=submission", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/reprocess?role=solution", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NO_SOLUTION", decode[errorResponse](t, resp).Code)

	// still pending
	resp = h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/reprocess", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ctx := context.Background()
	ref := repository.DocRef{ID: aid, Role: constants.RoleAssignment}
	require.NoError(t, h.store.UpdateStatus(ctx, ref, constants.StatusProcessing, ""))
	require.NoError(t, h.store.UpdateStatus(ctx, ref, constants.StatusFailed, "unreadable"))

	resp = h.do(t, http.MethodPost, "/api/v1/assignments/"+aid.String()+"/reprocess", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2, h.queue.Stats()[constants.QueueAssignment].Waiting)

	a, err := h.store.GetAssignment(ctx, aid)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusPending, a.Assignment.Status)
	assert.Equal(t, int64(1), a.Assignment.Generation)
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	aid := h.createAssignment(t, map[string]any{"title": "Essay", "assignment_file": "brief.md"})

	resp := h.do(t, http.MethodGet, "/api/v1/assignments/"+aid.String()+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), export.Filename(aid))
}

func TestDeleteAssignment(t *testing.T) {
	h := newHarness(t)
	aid := h.createAssignment(t, map[string]any{"title": "Essay", "assignment_file": "brief.md"})

	resp := h.do(t, http.MethodDelete, "/api/v1/assignments/"+aid.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/v1/assignments/"+aid.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs(t *testing.T) {
	h := newHarness(t)
	job, err := h.queue.CreateJob(context.Background(), "custom", async.Payload{"n": 1})
	require.NoError(t, err)

	resp := h.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[jobView](t, resp)
	assert.Equal(t, "custom", view.Queue)
	assert.Equal(t, string(constants.JobWaiting), view.Status)

	resp = h.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(constants.JobCancelled), decode[jobView](t, resp).Status)

	resp = h.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestRoutes(t *testing.T) {
	h := newHarness(t)
	aid := uuid.New()

	resp := h.do(t, http.MethodPost, "/api/v1/ingest/file", map[string]any{"assignment_id": aid.String(), "path": "/drop/s1.md"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decode[ingestResult](t, resp)
	assert.Equal(t, aid, res.AssignmentID)
	assert.Equal(t, []string{"/drop/s1.md"}, h.ingestor.paths)

	resp = h.do(t, http.MethodPost, "/api/v1/ingest/file", map[string]any{"assignment_id": "nope", "path": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/v1/ingest/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scan := decode[scanResponse](t, resp)
	assert.Equal(t, uint32(1), scan.Succeeded)
	assert.Len(t, scan.Results, 1)
	assert.Equal(t, []string{"/drop"}, h.ingestor.roots)
}

func TestIngestRoutes_MountedOnlyWithRoot(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Ingestor: &fakeIngestor{}}))
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/v1/ingest/scan", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
