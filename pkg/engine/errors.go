package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/projup/projup/pkg/automation"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassBusy indicates the automation session rejected a call due to contention.
	// Retried with a fixed delay.
	ErrorClassBusy ErrorClass = "busy"

	// ErrorClassStale indicates a project handle was invalidated by the session.
	// Recovered by reloading the handle, never fatal.
	ErrorClassStale ErrorClass = "stale"

	// ErrorClassPermanent indicates a single project could not be added or updated
	// after exhausting its retries. The run continues.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassFatal indicates the manifest itself could not be opened or created.
	// The whole operation is aborted.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the project or manifest path that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBusyError creates a new busy error.
func NewBusyError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassBusy, Message: message, Err: err}
}

// NewStaleError creates a new stale-handle error.
func NewStaleError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassStale, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFatal, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsBusy returns true if the error is the automation busy signal, classified or raw.
func IsBusy(err error) bool {
	if c, ok := classOf(err); ok && c == ErrorClassBusy {
		return true
	}
	return automation.IsBusy(err)
}

// IsStale returns true if the error is classified as a stale handle.
func IsStale(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassStale
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassFatal
}

// IsCancelled returns true if the error stems from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable returns true if another attempt may succeed.
// Busy and stale errors are retryable; cancellation and fatal errors are not.
// Unclassified errors are retryable too: the session reports failures as free text.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) || IsFatal(err) {
		return false
	}
	if IsBusy(err) || IsStale(err) {
		return true
	}
	return !IsPermanent(err)
}

// Common error codes.
const (
	ErrCodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	ErrCodeSessionOpenFailed  = "SESSION_OPEN_FAILED"
	ErrCodeSessionSaveFailed  = "SESSION_SAVE_FAILED"
	ErrCodeSessionCloseFailed = "SESSION_CLOSE_FAILED"
	ErrCodeProjectAddFailed   = "PROJECT_ADD_FAILED"
	ErrCodePropertyRead       = "PROPERTY_READ_FAILED"
	ErrCodePropertyWrite      = "PROPERTY_WRITE_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeValidation         = "VALIDATION_ERROR"
)
