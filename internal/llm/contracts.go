package llm

import (
	"context"
	"encoding/json"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

// Request is a single model call: a system instruction, a user turn and an
// optional receipt image.
type Request struct {
	System   string
	User     string
	Image    []byte
	MIMEType string
	Schema   map[string]any
}

// Provider performs one call against a generative model and returns the raw
// text it produced. Retryable failures are returned as common transient errors.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Result is a structurally valid extraction.
type Result struct {
	Candidate    entity.Candidate
	Raw          json.RawMessage
	ModelVersion string
	Calls        int
	Repaired     bool
	Dropped      []string
}

// FieldExtractor is the interface the worker depends on.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, image []byte, mimeType, hintText string) (*Result, error)
}
