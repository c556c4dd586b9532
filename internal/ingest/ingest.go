// Package ingest registers submission files found on disk. Files dropped under
// <root>/<assignmentID>/ become submissions of that assignment.
package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string
	AssignmentID uuid.UUID
	SubmissionID uuid.UUID
	StudentID    string
	Deduplicated bool
	HashHex      string
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Submitter registers a submission and queues its processing.
type Submitter interface {
	AddSubmission(ctx context.Context, s *entity.Submission) error
}

// Ingestor is the behavior the watcher and the API depend on.
type Ingestor interface {
	// IngestPath registers a single file as a submission of assignmentID.
	IngestPath(ctx context.Context, assignmentID uuid.UUID, path string) (IngestionResult, error)
	// IngestDirectory ingests every matching file under root/<assignmentID>/.
	IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error)
}
