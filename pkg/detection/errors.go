package detection

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrEmptyImage is returned for nil or zero-sized frames.
	ErrEmptyImage = errors.New("detection: empty image")

	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("detection: model file not found")

	// ErrClosed is returned by a detector used after Close.
	ErrClosed = errors.New("detection: detector closed")
)

// APIError represents an error response from a remote inference service.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the response body or error text.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("detection: API error %d: %s", e.StatusCode, e.Message)
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}
