package utils

import (
	"errors"
	"fmt"
	"runtime"
)

// AppError represents an application error with context
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`

	Cause error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code, message string, details ...string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// WrapAppError creates an application error that keeps cause in its chain.
func WrapAppError(code, message string, cause error) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
		Cause:   cause,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// ErrorCode returns the code of the first AppError in err's chain, or "".
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// Common error codes
const (
	ErrCodeConnection    = "CONNECTION_ERROR"
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeBlockchain    = "BLOCKCHAIN_ERROR"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// Reconciliation taxonomy. NotWhitelisted is fatal and never retried;
	// LedgerUnavailable is transient; IndexerUnavailable and
	// IncompleteSnapshot trigger a ledger fallback; PendingResolutionFailed
	// only drops the affected pending entry.
	ErrCodeNotWhitelisted          = "NOT_WHITELISTED"
	ErrCodeLedgerUnavailable       = "LEDGER_UNAVAILABLE"
	ErrCodeIndexerUnavailable      = "INDEXER_UNAVAILABLE"
	ErrCodeIncompleteSnapshot      = "INCOMPLETE_SNAPSHOT"
	ErrCodePendingResolutionFailed = "PENDING_RESOLUTION_FAILED"
)

// IsRetryable reports whether a failed query may be attempted again.
func IsRetryable(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeNotWhitelisted, ErrCodeValidation, ErrCodeConfiguration, ErrCodeNotFound:
		return false
	}
	return true
}
