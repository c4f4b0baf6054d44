package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMissingAPIKey fails every call when no provider key is configured.
var ErrMissingAPIKey = errors.New("llm api key is not configured")

type ExtractRequest struct {
	Markdown string
	Schema   json.RawMessage // optional JSON Schema the output must follow
	Hints    string
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

type ExtractionResult struct {
	Data     json.RawMessage
	Usage    Usage
	Model    string
	Provider string
}

type GenerateSchemaRequest struct {
	Markdown string
	Hints    string
}

type GeneratedSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	JSONSchema  json.RawMessage `json:"jsonSchema"`
}

// Extractor is the interface the worker depends on.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractionResult, error)
	GenerateSchema(ctx context.Context, req GenerateSchemaRequest) (GeneratedSchema, error)
}
