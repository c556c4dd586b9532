package llm

import (
	"context"
	"encoding/base64"
	"strings"
)

// Attachment is a document sent alongside a prompt.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// IsText reports whether the attachment is better inlined into the prompt than uploaded.
func (a Attachment) IsText() bool {
	return strings.HasPrefix(a.MimeType, "text/")
}

func (a Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

func (a Attachment) DataURL() string {
	return "data:" + a.MimeType + ";base64," + a.Base64()
}

// Request is one provider call: a prompt plus optional attachments.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Attachments []Attachment
	Temperature float32
	// JSON asks the provider for a JSON body. Providers may still wrap it in fences.
	JSON bool
}

// Response is the raw text a provider produced.
type Response struct {
	Text     string
	Model    string
	Provider string
}

// Provider is a single model vendor account.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Generator is what stage processors and the grader depend on.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Supports(model string) bool
}
