// Package extract turns stored documents into model attachments. It does not
// parse document content; providers read PDFs and images natively.
package extract

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
)

// Loader reads a document into an attachment.
type Loader interface {
	Load(ctx context.Context, path string) (Document, error)
}

// Document is a loaded file plus what the pipeline needs to know about it.
type Document struct {
	Path       string
	Format     string
	Attachment llm.Attachment
	// HashHex is the hex SHA-256 of the content.
	HashHex string
}
