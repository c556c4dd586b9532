package constants

import "strings"

// FileFormat is the coarse kind of an uploaded document.
type FileFormat string

const (
	FormatPDF   FileFormat = "PDF"
	FormatImage FileFormat = "IMAGE"
	FormatText  FileFormat = "TXT"
)

// AllowedExtensions holds the file extensions accepted for course materials and submissions.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"txt":  {},
	"md":   {},
}

// MaxAttachmentMB bounds inline attachments sent to providers.
const MaxAttachmentMB = 20

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToFormat returns the format for an extension, or "" when unsupported.
func MapExtToFormat(ext string) FileFormat {
	switch NormalizeExt(ext) {
	case "pdf":
		return FormatPDF
	case "jpg", "jpeg", "png":
		return FormatImage
	case "txt", "md":
		return FormatText
	}
	return ""
}
