package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrLayerNotFound      = fmt.Errorf("layer: %w", ErrNotFound)
	ErrArchiveNotFound    = fmt.Errorf("tile archive: %w", ErrNotFound)
	ErrTileNotFound       = fmt.Errorf("tile: %w", ErrNotFound)
	ErrProviderNotFound   = fmt.Errorf("provider: %w", ErrNotFound)
	ErrInvalidBoundingBox = fmt.Errorf("bounding box: %w", ErrInvalidInput)
	ErrInvalidZoom        = fmt.Errorf("zoom: %w", ErrInvalidInput)
	ErrInvalidTemplate    = fmt.Errorf("url template: %w", ErrInvalidInput)
	ErrUnsupportedCRS     = fmt.Errorf("crs: %w", ErrUnsupported)
	ErrNotReady           = fmt.Errorf("service not ready: %w", ErrUnavailable)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
	ErrTooManyTiles       = fmt.Errorf("export tile count: %w", ErrInvalidInput)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// ConfigurationError is raised for inputs that can never succeed, such as an
// unrecognised URL template or an invalid bounding box. It is never retried.
type ConfigurationError struct {
	Field   string // Configuration field or input name
	Message string // Error message
	Err     error  // Optional cause
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the cause, or ErrInvalidInput when there is none.
func (e *ConfigurationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// TransientNetworkError wraps a failure that may succeed on a later attempt.
type TransientNetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

// Error implements the error interface.
func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure for %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient failure for %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientNetworkError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnavailable
}

// ContentTypeMismatchError reports a response whose declared type does not
// match what the request expected.
type ContentTypeMismatchError struct {
	URL      string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("response for %s is %q, expected %q", e.URL, e.Actual, e.Expected)
}

// Unwrap returns the underlying error type.
func (e *ContentTypeMismatchError) Unwrap() error {
	return ErrInvalidInput
}

// RetryBudgetExhaustedError is returned by the retrieval engine under the hard
// exhaustion policy when requests are still failing after the last round.
type RetryBudgetExhaustedError struct {
	Failed int
	Rounds int
}

// Error implements the error interface.
func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("%d request(s) still failing after %d round(s)", e.Failed, e.Rounds)
}

// Unwrap returns the underlying error type.
func (e *RetryBudgetExhaustedError) Unwrap() error {
	return ErrUnavailable
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ArchiveError represents an error reading or writing a packed tile archive.
type ArchiveError struct {
	Layer string
	Path  string
	Err   error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive error for layer %s (%s): %v", e.Layer, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another retrieval round.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}
