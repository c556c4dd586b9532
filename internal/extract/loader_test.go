package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestFileLoader_Load(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		data   []byte
		format string
		mime   string
	}{
		{"pdf", "brief.PDF", []byte("%PDF-1.4 body"), "PDF", "application/pdf"},
		{"png", "scan.png", []byte("\x89PNG\r\n\x1a\n...."), "IMAGE", "image/png"},
		{"markdown", "answer.md", []byte("# Q1\nforty two"), "TXT", "text/plain"},
	}
	l := NewFileLoader(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := l.Load(context.Background(), writeFile(t, tt.file, tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.format, doc.Format)
			assert.Equal(t, tt.mime, doc.Attachment.MimeType)
			assert.Equal(t, tt.file, doc.Attachment.Name)
			assert.Equal(t, tt.data, doc.Attachment.Data)
			assert.Len(t, doc.HashHex, 64)
		})
	}
}

func TestFileLoader_Rejects(t *testing.T) {
	l := NewFileLoader(nil, WithMaxBytes(8))
	ctx := context.Background()

	_, err := l.Load(ctx, writeFile(t, "macro.docm", []byte("x")))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = l.Load(ctx, writeFile(t, "empty.pdf", nil))
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = l.Load(ctx, writeFile(t, "big.pdf", []byte("0123456789")))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = l.Load(ctx, filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
