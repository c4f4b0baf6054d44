package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/queue"
)

const (
	DefaultFetchTimeout  = 60 * time.Second
	DefaultFetchMaxBytes = 50 << 20
)

// Fetched is a document downloaded from a job's source URL.
type Fetched struct {
	Data     []byte
	FileName string
	MimeType string
}

// Fetcher downloads source documents for URL jobs.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time
}

func NewFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultFetchMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{},
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// Fetch GETs rawURL. Client errors other than 408 and 429 and oversized bodies are permanent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Fetched, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Fetched{}, queue.Permanent(common.NewFetchError("build request", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fetched{}, common.NewFetchError(fmt.Sprintf("fetch timed out after %s", f.timeout), err)
		}
		return Fetched{}, common.NewFetchError("fetch failed", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.logger.Warn("worker.fetch.body_close_error", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ferr := common.NewFetchError(fmt.Sprintf("Failed to fetch file: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)), nil)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return Fetched{}, queue.Permanent(ferr)
		}
		return Fetched{}, ferr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Fetched{}, common.NewFetchError("read body", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Fetched{}, queue.Permanent(common.NewFetchError(fmt.Sprintf("file exceeds %d bytes", f.maxBytes), nil))
	}

	name := jobs.FileNameFromURL(rawURL, f.now())
	mimeType := constants.NormalizeMimeType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == constants.DefaultMimeType {
		if byExt := constants.MimeTypeFromExt(filepath.Ext(name)); byExt != "" {
			mimeType = byExt
		} else {
			mimeType = constants.DefaultMimeType
		}
	}

	f.logger.Info("worker.fetch.ok",
		"url", rawURL,
		"bytes", len(data),
		"mime_type", mimeType,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return Fetched{Data: data, FileName: name, MimeType: mimeType}, nil
}
