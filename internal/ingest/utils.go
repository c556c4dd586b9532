package ingest

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// AllowedExt checks if a file extension is one the loader accepts.
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.AllowedExtensions[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// StudentFromName derives the student id from a file name: everything before
// the first "__", or the whole stem. "s1234__essay.pdf" belongs to s1234.
func StudentFromName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(stem, "__"); i > 0 {
		stem = stem[:i]
	}
	return strings.TrimSpace(stem)
}

// assignmentFromPath returns the assignment id of the directory directly
// under root that contains path.
func assignmentFromPath(root, path string) (uuid.UUID, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return uuid.Nil, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
