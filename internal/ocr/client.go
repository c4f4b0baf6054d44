package ocr

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docparse/constants"
)

//go:embed response.schema.json
var responseSchemaJSON string

var responseSchema = jsonschema.MustCompileString("ocr-response.json", responseSchemaJSON)

// Client calls the PaddleOCR-VL layout-parsing service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

var _ Parser = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Retries > maxRetries {
		cfg.Retries = maxRetries
	}
	if cfg.MaxNewTokens <= 0 {
		cfg.MaxNewTokens = defaultMaxNewTokens
	}
	// per-request timeouts come from the context; the transport has none
	return &Client{cfg: cfg, httpClient: &http.Client{}, log: logger}
}

type layoutRequest struct {
	File               string `json:"file"`
	FileType           int    `json:"fileType"`
	UseLayoutDetection bool   `json:"useLayoutDetection"`
	PrettifyMarkdown   bool   `json:"prettifyMarkdown"`
	MaxNewTokens       int    `json:"maxNewTokens"`
}

type layoutResponse struct {
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	LogID     string `json:"logId"`
	Result    *struct {
		DataInfo struct {
			Type     string `json:"type"`
			NumPages int    `json:"numPages"`
		} `json:"dataInfo"`
		LayoutParsingResults []struct {
			Markdown struct {
				Text string `json:"text"`
			} `json:"markdown"`
		} `json:"layoutParsingResults"`
	} `json:"result"`
}

// Parse sends the document for layout parsing and joins the per-page markdown.
func (c *Client) Parse(ctx context.Context, data []byte, mimeType string) (Result, error) {
	fileType, ok := constants.OCRFileType(mimeType)
	if !ok {
		return Result{}, &ValidationError{Msg: "unsupported mime type " + mimeType, Unsupported: true}
	}
	if len(data) == 0 {
		return Result{}, &ValidationError{Msg: "empty document", Unsupported: true}
	}

	rid := uuid.New().String()
	start := time.Now()
	c.log.Info("ocr.parse.start", "req_id", rid, "mime_type", mimeType, "file_type", fileType, "bytes", len(data))

	body := layoutRequest{
		File:               base64.StdEncoding.EncodeToString(data),
		FileType:           fileType,
		UseLayoutDetection: boolOr(c.cfg.UseLayoutDetection, true),
		PrettifyMarkdown:   boolOr(c.cfg.PrettifyMarkdown, true),
		MaxNewTokens:       c.cfg.MaxNewTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, &ValidationError{Msg: "encode request", Cause: err}
	}

	var res Result
	err = c.withRetries(ctx, rid, func() error {
		var callErr error
		res, callErr = c.parseOnce(ctx, payload)
		return callErr
	})
	if err != nil {
		c.log.Error("ocr.parse.failed", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return Result{}, err
	}
	c.log.Info("ocr.parse.ok",
		"req_id", rid,
		"pages", res.PageCount,
		"markdown_len", len(res.Markdown),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (c *Client) parseOnce(ctx context.Context, payload []byte) (Result, error) {
	url := c.cfg.BaseURL + "/layout-parsing"
	raw, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return Result{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, &ValidationError{Msg: "invalid API response structure", Cause: err}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return Result{}, &ValidationError{Msg: "invalid API response structure", Cause: err}
	}

	var lr layoutResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return Result{}, &ValidationError{Msg: "decode response", Cause: err}
	}
	if lr.ErrorCode != 0 {
		return Result{}, &APIError{Code: lr.ErrorCode, Msg: lr.ErrorMsg, LogID: lr.LogID}
	}

	pages := make([]string, 0, len(lr.Result.LayoutParsingResults))
	for _, p := range lr.Result.LayoutParsingResults {
		pages = append(pages, Normalize(p.Markdown.Text))
	}
	count := 1
	if lr.Result.DataInfo.Type == "pdf" {
		count = lr.Result.DataInfo.NumPages
	}
	return Result{Markdown: strings.Join(pages, pageSeparator), PageCount: count}, nil
}

// CheckHealth reports whether GET /health answers with errorCode 0.
func (c *Client) CheckHealth(ctx context.Context) bool {
	raw, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		c.log.Debug("ocr.health.failed", "error", err)
		return false
	}
	var hr struct {
		ErrorCode *int `json:"errorCode"`
	}
	if err := json.Unmarshal(raw, &hr); err != nil || hr.ErrorCode == nil {
		return false
	}
	return *hr.ErrorCode == 0
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, &NetworkError{URL: url, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: c.cfg.Timeout, URL: url}
		}
		return nil, &NetworkError{URL: url, Cause: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("ocr.http.response_body_close_error", "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: c.cfg.Timeout, URL: url}
		}
		return nil, &NetworkError{URL: url, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), URL: url}
	}
	return raw, nil
}

func (c *Client) withRetries(ctx context.Context, rid string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == c.cfg.Retries || ctx.Err() != nil {
			return err
		}
		c.log.Warn("ocr.parse.retry", "req_id", rid, "attempt", attempt+1, "retries", c.cfg.Retries, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ocr retry aborted: %w", err)
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return err
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
