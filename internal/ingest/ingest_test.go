package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	subs []*entity.Submission
}

func (r *recordingSubmitter) AddSubmission(ctx context.Context, s *entity.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
	return nil
}

func (r *recordingSubmitter) all() []*entity.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entity.Submission(nil), r.subs...)
}

func write(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newIngestor(t *testing.T) (*FSIngestor, *recordingSubmitter) {
	t.Helper()
	sub := &recordingSubmitter{}
	ing, err := NewFSIngestor(sub, nil)
	require.NoError(t, err)
	return ing, sub
}

func TestStudentFromName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/in/s1234__essay.pdf", "s1234"},
		{"/in/jane.doe.md", "jane.doe"},
		{"/in/s9.png", "s9"},
		{"/in/__x.pdf", "__x"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, StudentFromName(tt.path))
		})
	}
}

func TestIngestPath_RegistersOncePerContent(t *testing.T) {
	ing, sub := newIngestor(t)
	dir := t.TempDir()
	assignmentID := uuid.New()
	first := write(t, filepath.Join(dir, "s1__essay.md"), "my essay")
	copyOf := write(t, filepath.Join(dir, "s1__essay-copy.md"), "my essay")

	r1, err := ing.IngestPath(context.Background(), assignmentID, first)
	require.NoError(t, err)
	assert.False(t, r1.Deduplicated)
	assert.Equal(t, "s1", r1.StudentID)
	assert.Len(t, r1.HashHex, 64)

	r2, err := ing.IngestPath(context.Background(), assignmentID, copyOf)
	require.NoError(t, err)
	assert.True(t, r2.Deduplicated)
	assert.Equal(t, r1.SubmissionID, r2.SubmissionID)

	// same content for another assignment is a new submission
	r3, err := ing.IngestPath(context.Background(), uuid.New(), first)
	require.NoError(t, err)
	assert.False(t, r3.Deduplicated)

	subs := sub.all()
	require.Len(t, subs, 2)
	assert.Equal(t, assignmentID, subs[0].AssignmentID)
	assert.Equal(t, "s1", subs[0].StudentID)
	assert.True(t, filepath.IsAbs(subs[0].FilePath))
}

func TestIngestPath_Rejects(t *testing.T) {
	ing, sub := newIngestor(t)
	dir := t.TempDir()

	_, err := ing.IngestPath(context.Background(), uuid.New(), write(t, filepath.Join(dir, "s1.docx"), "x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = ing.IngestPath(context.Background(), uuid.New(), filepath.Join(dir, "missing.pdf"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Empty(t, sub.all())
}

func TestIngestDirectory_UsesAssignmentFolders(t *testing.T) {
	ing, sub := newIngestor(t)
	root := t.TempDir()
	a1, a2 := uuid.New(), uuid.New()
	write(t, filepath.Join(root, a1.String(), "s1.md"), "one")
	write(t, filepath.Join(root, a1.String(), "s2.pdf"), "%PDF-1.4 two")
	write(t, filepath.Join(root, a2.String(), "nested", "s3.txt"), "three")
	write(t, filepath.Join(root, a2.String(), ".hidden.md"), "hidden")
	write(t, filepath.Join(root, a2.String(), "notes.docx"), "ignored")
	write(t, filepath.Join(root, "not-an-id", "s4.md"), "no assignment")
	write(t, filepath.Join(root, "loose.md"), "no folder")

	results, stats, err := ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, uint32(3), stats.Matched)
	assert.Equal(t, uint32(3), stats.Succeeded)
	assert.Zero(t, stats.Failed)

	byAssignment := map[uuid.UUID]int{}
	for _, s := range sub.all() {
		byAssignment[s.AssignmentID]++
	}
	assert.Equal(t, map[uuid.UUID]int{a1: 2, a2: 1}, byAssignment)

	// a second pass finds nothing new
	_, stats, err = ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), stats.Deduplicated)
	assert.Len(t, sub.all(), 3)
}

func TestIngestDirectory_RequiresRoot(t *testing.T) {
	ing, _ := newIngestor(t)
	_, _, err := ing.IngestDirectory(context.Background(), " ", false)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestWatcher_RegistersDroppedFiles(t *testing.T) {
	ing, sub := newIngestor(t)
	root := t.TempDir()
	existing := uuid.New()
	write(t, filepath.Join(root, existing.String(), "early.md"), "already here")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := NewWatcher(WatchConfig{Root: root, InitialScan: true, Debounce: 10 * time.Millisecond}, ing, nil)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.all()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dropped := uuid.New()
	write(t, filepath.Join(root, dropped.String(), "s7__final.md"), "dropped later")

	require.Eventually(t, func() bool {
		for _, s := range sub.all() {
			if s.AssignmentID == dropped && s.StudentID == "s7" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Len(t, sub.all(), 2)
}
