package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

const defaultSeenSize = 4096

// FSIngestor reads submission files from the local filesystem. A file whose
// content was already registered for the same assignment is reported as
// deduplicated instead of creating a second submission.
type FSIngestor struct {
	submitter Submitter
	logger    *slog.Logger

	mu   sync.Mutex
	seen *lru.Cache // assignment id + content hash -> submission id
}

func NewFSIngestor(s Submitter, logger *slog.Logger) (*FSIngestor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen, err := lru.New(defaultSeenSize)
	if err != nil {
		return nil, fmt.Errorf("ingest dedupe cache: %w", err)
	}
	return &FSIngestor{submitter: s, logger: logger, seen: seen}, nil
}

func (i *FSIngestor) IngestPath(ctx context.Context, assignmentID uuid.UUID, path string) (IngestionResult, error) {
	out := IngestionResult{SourcePath: path, AssignmentID: assignmentID}
	logger := common.LoggerFrom(ctx, i.logger).With("path", path, "assignment_id", assignmentID)

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.SourcePath = abs

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return out, common.NewAppError("UNSUPPORTED_FILE", fmt.Sprintf("unsupported or missing extension %q", ext), common.ErrInvalidInput)
	}
	student := StudentFromName(abs)
	if student == "" {
		return out, common.NewAppError("NO_STUDENT", "cannot derive a student id from "+filepath.Base(abs), common.ErrInvalidInput)
	}
	out.StudentID = student

	sum, err := hashFile(abs)
	if err != nil {
		return out, err
	}
	out.HashHex = sum
	key := assignmentID.String() + ":" + sum

	// held across AddSubmission so two events for one file register it once
	i.mu.Lock()
	defer i.mu.Unlock()
	if v, ok := i.seen.Get(key); ok {
		out.SubmissionID = v.(uuid.UUID)
		out.Deduplicated = true
		logger.Debug("ingest.deduplicated", "submission_id", out.SubmissionID)
		return out, nil
	}

	sub := &entity.Submission{
		ID:           uuid.New(),
		AssignmentID: assignmentID,
		StudentID:    student,
		FilePath:     abs,
	}
	if err := i.submitter.AddSubmission(ctx, sub); err != nil {
		return out, err
	}
	i.seen.Add(key, sub.ID)
	out.SubmissionID = sub.ID
	logger.Info("ingest.registered", "submission_id", sub.ID, "student_id", student, "sha256", sum)
	return out, nil
}

// IngestDirectory walks root, skips hidden entries if requested, and ingests
// every supported file found in an assignment directory.
func (i *FSIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, common.NewAppError("INVALID_ROOT", "root path is required", common.ErrInvalidInput)
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if path != root && skipHidden && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		assignmentID, ok := assignmentFromPath(root, path)
		if !ok {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, assignmentID, path)
		if err != nil {
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", common.NewAppError("NOT_FOUND", path, common.ErrNotFound)
		}
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
