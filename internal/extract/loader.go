package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

// FileLoader loads documents from the local filesystem.
type FileLoader struct {
	logger   *slog.Logger
	maxBytes int64
}

type LoaderOption func(*FileLoader)

// WithMaxBytes overrides the attachment size limit.
func WithMaxBytes(n int64) LoaderOption {
	return func(l *FileLoader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

func NewFileLoader(logger *slog.Logger, opts ...LoaderOption) *FileLoader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &FileLoader{logger: logger, maxBytes: constants.MaxAttachmentMB << 20}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *FileLoader) Load(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, fmt.Errorf("abs path: %w", err)
	}
	ext := constants.NormalizeExt(filepath.Ext(abs))
	format := constants.MapExtToFormat(ext)
	if format == "" {
		return Document{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Document{}, err
	}
	if info.Size() == 0 {
		return Document{}, fmt.Errorf("%w: %s", ErrEmptyFile, abs)
	}
	if info.Size() > l.maxBytes {
		return Document{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, abs, info.Size(), l.maxBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Document{}, err
	}
	sum := sha256.Sum256(data)
	doc := Document{
		Path:   abs,
		Format: string(format),
		Attachment: llm.Attachment{
			Name:     filepath.Base(abs),
			MimeType: mimeType(ext, data),
			Data:     data,
		},
		HashHex: hex.EncodeToString(sum[:]),
	}
	l.logger.Debug("extract.loaded", "path", abs, "format", doc.Format, "mime", doc.Attachment.MimeType, "bytes", len(data))
	return doc, nil
}

func mimeType(ext string, data []byte) string {
	switch ext {
	case "md", "txt":
		return "text/plain"
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		return strings.TrimSpace(strings.Split(t, ";")[0])
	}
	return strings.Split(http.DetectContentType(data), ";")[0]
}
