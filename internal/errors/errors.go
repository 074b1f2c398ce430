// Package errors provides the error taxonomy shared across the SiteSync core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error for propagation across the engine boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors. Transient failures are retried with backoff and never
	// surfaced as user-facing errors; divergence always becomes a Conflict.
	ErrSyncTransient  ErrorCode = "SYNC_TRANSIENT"
	ErrSyncDivergence ErrorCode = "SYNC_DIVERGENCE"
	ErrSyncDelayed    ErrorCode = "SYNC_DELAYED"
	ErrConflictOpen   ErrorCode = "CONFLICT_OPEN"
	ErrNoConflict     ErrorCode = "NO_CONFLICT"

	// Mutation errors (fatal/local: rejected before enqueue)
	ErrMutationInvalid ErrorCode = "MUTATION_INVALID"

	// Annotation errors
	ErrAnchorStale ErrorCode = "ANCHOR_STALE"

	// Session errors
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
)

// AppError represents an application error with a code and optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates a new AppError wrapping a cause.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrInternal
}

// IsTransient reports whether err is a retryable sync failure.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrSyncTransient
}

// IsDivergence reports whether err signals a stale base version.
func IsDivergence(err error) bool {
	return CodeOf(err) == ErrSyncDivergence
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}
