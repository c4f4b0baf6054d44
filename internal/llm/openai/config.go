package openai

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "google/gemini-2.5-flash-preview"
)

// Config for the OpenAI-compatible chat/completions client.
type Config struct {
	APIKey       string
	BaseURL      string        // default OpenRouter
	Model        string        // default google/gemini-2.5-flash-preview
	Provider     string        // recorded on the job, default "openrouter"
	Temperature  float32       // 0..2
	Timeout      time.Duration // http client timeout
	StrictSchema bool          // schema mismatches fail the extraction instead of being logged
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Provider == "" {
		cfg.Provider = "openrouter"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}
