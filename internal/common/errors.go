package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Kind    error // one of the sentinels below; errors.Is matches it
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// ErrorCode implements Coder.
func (e *AppError) ErrorCode() string {
	return e.Code
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")

	// Job pipeline taxonomy.
	ErrDispatch   = errors.New("queue unavailable")
	ErrFetch      = errors.New("remote fetch failed")
	ErrStorage    = errors.New("storage failure")
	ErrOCR        = errors.New("ocr failure")
	ErrExtraction = errors.New("extraction failure")
	ErrAuth       = errors.New("authentication failed")
)

// Persisted error codes.
const (
	CodeDispatch    = "DISPATCH_ERROR"
	CodeFetch       = "FETCH_ERROR"
	CodeStorage     = "STORAGE_ERROR"
	CodeOCR         = "OCR_ERROR"
	CodeOCRTimeout  = "OCR_TIMEOUT"
	CodeExtraction  = "EXTRACTION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeAuth        = "AUTH_ERROR"
	CodeValidation  = "VALIDATION_ERROR"
	CodeConfig      = "CONFIG_ERROR"
	CodeProcessing  = "PROCESSING_ERROR"
	CodeTransition  = "INVALID_TRANSITION"
	CodeUnavailable = "UNAVAILABLE"
)

// Coder is implemented by errors that carry a persisted error code.
type Coder interface {
	ErrorCode() string
}

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func newKindError(code string, kind error, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Kind: kind, Cause: cause}
}

func NewDispatchError(message string, cause error) *AppError {
	return newKindError(CodeDispatch, ErrDispatch, message, cause)
}

func NewFetchError(message string, cause error) *AppError {
	return newKindError(CodeFetch, ErrFetch, message, cause)
}

func NewStorageError(message string, cause error) *AppError {
	return newKindError(CodeStorage, ErrStorage, message, cause)
}

func NewExtractionError(message string, cause error) *AppError {
	return newKindError(CodeExtraction, ErrExtraction, message, cause)
}

func NewNotFoundError(message string) *AppError {
	return newKindError(CodeNotFound, ErrNotFound, message, nil)
}

func NewAuthError(message string, cause error) *AppError {
	return newKindError(CodeAuth, ErrAuth, message, cause)
}

func NewValidationError(message string) *AppError {
	return newKindError(CodeValidation, ErrInvalidInput, message, nil)
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ErrorCode returns the persisted code for err, PROCESSING_ERROR when err carries none.
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		if code := c.ErrorCode(); code != "" {
			return code
		}
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeProcessing
}
