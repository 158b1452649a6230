package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Margin error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrSessionClosed     ErrorCode = "SESSION_CLOSED"     // 409
	ErrConflict          ErrorCode = "CONFLICT"           // 409
	ErrCorruptedRecord   ErrorCode = "CORRUPTED_RECORD"   // 500
	ErrInternal          ErrorCode = "INTERNAL"           // 500
	ErrSynthesisFailed   ErrorCode = "SYNTHESIS_FAILED"   // 502
	ErrSessionDegraded   ErrorCode = "SESSION_DEGRADED"   // 503
	ErrLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE" // 503
)

// MarginError represents a structured error with code, status, and details.
type MarginError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *MarginError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *MarginError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *MarginError {
	return &MarginError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing session, note or record.
func NewNotFound(kind, identifier string) *MarginError {
	return &MarginError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewSessionClosed creates a 409 error for submissions to a terminal session.
func NewSessionClosed(sessionID, status string) *MarginError {
	return &MarginError{
		Code:    ErrSessionClosed,
		Status:  409,
		Message: fmt.Sprintf("session %s is %s", sessionID, status),
		Details: map[string]any{"session_id": sessionID, "status": status},
	}
}

// NewConflict creates a 409 error for general conflicts.
func NewConflict(msg string) *MarginError {
	return &MarginError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewCorruptedRecord creates a 500 error for a ledger record whose hash does not match.
func NewCorruptedRecord(sessionID string, sequence int64) *MarginError {
	return &MarginError{
		Code:    ErrCorruptedRecord,
		Status:  500,
		Message: fmt.Sprintf("ledger record %s/%d failed hash check", sessionID, sequence),
		Details: map[string]any{"session_id": sessionID, "sequence": sequence},
	}
}

// NewSynthesisFailed creates a 502 error wrapping a synthesizer failure.
func NewSynthesisFailed(err error) *MarginError {
	msg := "synthesis failed"
	if err != nil {
		msg = fmt.Sprintf("synthesis failed: %v", err)
	}
	return &MarginError{
		Code:    ErrSynthesisFailed,
		Status:  502,
		Message: msg,
		cause:   err,
	}
}

// NewSessionDegraded creates a 503 error for operations a degraded session refuses.
func NewSessionDegraded(sessionID, reason string) *MarginError {
	return &MarginError{
		Code:    ErrSessionDegraded,
		Status:  503,
		Message: fmt.Sprintf("session %s is degraded: %s", sessionID, reason),
		Details: map[string]any{"session_id": sessionID, "reason": reason},
	}
}

// NewLedgerUnavailable creates a 503 error after ledger retries are exhausted.
func NewLedgerUnavailable(err error) *MarginError {
	msg := "ledger unavailable"
	if err != nil {
		msg = fmt.Sprintf("ledger unavailable: %v", err)
	}
	return &MarginError{
		Code:    ErrLedgerUnavailable,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *MarginError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &MarginError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error (or anything it wraps) is a MarginError with the given code.
func Is(err error, code ErrorCode) bool {
	var mErr *MarginError
	if stderrors.As(err, &mErr) {
		return mErr.Code == code
	}
	return false
}

// As returns the MarginError in err's chain, if any.
func As(err error) (*MarginError, bool) {
	var mErr *MarginError
	if stderrors.As(err, &mErr) {
		return mErr, true
	}
	return nil, false
}
