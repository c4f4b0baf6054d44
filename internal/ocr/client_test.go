package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/internal/common"
)

const pdfResponse = `{
  "errorCode": 0, "errorMsg": "Success", "logId": "log-1",
  "result": {
    "dataInfo": {"type": "pdf", "numPages": 2, "pages": [{"width": 1, "height": 1}, {"width": 1, "height": 1}]},
    "layoutParsingResults": [
      {"markdown": {"text": "# Page 1"}, "prunedResult": {}},
      {"markdown": {"text": "Page 2"}, "prunedResult": {}}
    ]
  }
}`

const imageResponse = `{
  "errorCode": 0, "errorMsg": "Success", "logId": "log-2",
  "result": {
    "dataInfo": {"type": "image", "width": 800, "height": 600},
    "layoutParsingResults": [{"markdown": {"text": "receipt"}, "prunedResult": {}}]
  }
}`

func newTestClient(t *testing.T, h http.HandlerFunc, mut func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, RetryDelay: time.Millisecond}
	if mut != nil {
		mut(&cfg)
	}
	return NewClient(cfg, nil)
}

func TestParsePDF(t *testing.T) {
	var got layoutRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/layout-parsing", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(pdfResponse))
	}, nil)

	res, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "# Page 1\n\n---\n\nPage 2", res.Markdown)
	assert.Equal(t, 2, res.PageCount)

	assert.Equal(t, 0, got.FileType)
	assert.True(t, got.UseLayoutDetection)
	assert.True(t, got.PrettifyMarkdown)
	assert.Equal(t, 2048, got.MaxNewTokens)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF")), got.File)
}

func TestParseImageCountsOnePage(t *testing.T) {
	var got layoutRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(imageResponse))
	}, nil)

	res, err := c.Parse(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, "receipt", res.Markdown)
	assert.Equal(t, 1, got.FileType)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		assertFn func(t *testing.T, err error)
	}{
		{
			name: "http status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			assertFn: func(t *testing.T, err error) {
				var he *HTTPError
				require.ErrorAs(t, err, &he)
				assert.Equal(t, http.StatusBadGateway, he.StatusCode)
			},
		},
		{
			name: "api error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"errorCode": 500, "errorMsg": "model crashed", "logId": "x"}`))
			},
			assertFn: func(t *testing.T, err error) {
				var ae *APIError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, 500, ae.Code)
				assert.Equal(t, "model crashed", ae.Msg)
			},
		},
		{
			name: "malformed response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"errorCode": 0, "result": {"pages": 1}}`))
			},
			assertFn: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.False(t, ve.Permanent())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, nil)
			_, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrOCR)
			assert.Equal(t, common.CodeOCR, common.ErrorCode(err))
			tt.assertFn(t, err)
		})
	}
}

func TestParseUnsupportedMimeIsPermanent(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }, nil)

	_, err := c.Parse(context.Background(), []byte("hello"), "text/plain")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.Permanent())
	assert.Zero(t, calls.Load())
}

// hang drains the request and blocks until the client gives up or the test ends.
// The body must be read for the server to notice the client going away. Call it
// after creating the server so the release runs before the server closes.
func hang(t *testing.T) func(r *http.Request) {
	t.Helper()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return func(r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
}

func TestParseTimeoutRetries(t *testing.T) {
	var calls atomic.Int32
	var stall func(*http.Request)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			stall(r)
			return
		}
		_, _ = w.Write([]byte(pdfResponse))
	}, func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.Retries = 1
	})
	stall = hang(t)

	res, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestParseTimeoutCode(t *testing.T) {
	var stall func(*http.Request)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		stall(r)
	}, func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })
	stall = hang(t)

	_, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, common.CodeOCRTimeout, common.ErrorCode(err))
}

func TestHTTPErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, func(cfg *Config) { cfg.Retries = 3 })

	_, err := c.Parse(context.Background(), []byte("%PDF"), "application/pdf")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckHealth(t *testing.T) {
	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"errorCode": 0, "errorMsg": "Healthy", "logId": "h"}`))
	}, nil)
	assert.True(t, healthy.CheckHealth(context.Background()))

	sick := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errorCode": 1, "errorMsg": "loading", "logId": "h"}`))
	}, nil)
	assert.False(t, sick.CheckHealth(context.Background()))

	down := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond}, nil)
	assert.False(t, down.CheckHealth(context.Background()))
}
