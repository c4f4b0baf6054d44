package ocr

import (
	"errors"
	"fmt"
	"time"

	"github.com/joseph-ayodele/docparse/internal/common"
)

// HTTPError is a non-2xx response from the OCR service.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ocr: HTTP %d %s from %s", e.StatusCode, e.Status, e.URL)
}

// APIError is a well-formed response carrying a non-zero errorCode.
type APIError struct {
	Code  int
	Msg   string
	LogID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ocr: api error: %s (code: %d, logId: %s)", e.Msg, e.Code, e.LogID)
}

// ValidationError is a malformed response or an input the service cannot accept.
type ValidationError struct {
	Msg         string
	Unsupported bool // the input itself is rejected; retrying cannot help
	Cause       error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ocr: %s: %v", e.Msg, e.Cause)
	}
	return "ocr: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Permanent marks unsupported inputs as non-retryable.
func (e *ValidationError) Permanent() bool { return e.Unsupported }

// NetworkError is a transport failure before a response arrived.
type NetworkError struct {
	URL   string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ocr: network error while connecting to %s: %v", e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// TimeoutError is a request that exceeded the client timeout.
type TimeoutError struct {
	Timeout time.Duration
	URL     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ocr: request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *HTTPError) Is(target error) bool       { return target == common.ErrOCR }
func (e *APIError) Is(target error) bool        { return target == common.ErrOCR }
func (e *ValidationError) Is(target error) bool { return target == common.ErrOCR }
func (e *NetworkError) Is(target error) bool    { return target == common.ErrOCR }
func (e *TimeoutError) Is(target error) bool    { return target == common.ErrOCR }

func (e *HTTPError) ErrorCode() string       { return common.CodeOCR }
func (e *APIError) ErrorCode() string        { return common.CodeOCR }
func (e *ValidationError) ErrorCode() string { return common.CodeOCR }
func (e *NetworkError) ErrorCode() string    { return common.CodeOCR }
func (e *TimeoutError) ErrorCode() string    { return common.CodeOCRTimeout }

// retryable reports whether the client retries err internally.
func retryable(err error) bool {
	var (
		ne *NetworkError
		te *TimeoutError
	)
	return errors.As(err, &ne) || errors.As(err, &te)
}
