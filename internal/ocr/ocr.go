package ocr

import (
	"context"
	"time"
)

// Result is the markdown rendering of a document.
type Result struct {
	Markdown  string
	PageCount int
}

// Parser converts document bytes to markdown.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType string) (Result, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration // per request, default 5m
	Retries    int           // extra attempts for network/timeout errors, default 0
	RetryDelay time.Duration // default 1s

	UseLayoutDetection *bool // default true
	PrettifyMarkdown   *bool // default true
	MaxNewTokens       int   // default 2048
}

const (
	defaultTimeout      = 5 * time.Minute
	defaultRetryDelay   = time.Second
	defaultMaxNewTokens = 2048
	maxRetries          = 10

	pageSeparator = "\n\n---\n\n"
)
