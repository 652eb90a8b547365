package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates the target already exists or was
	// modified concurrently. With adoption enabled a provider may
	// recover from it by falling back to lookup-and-update.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, id collisions, missing passwords.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with resource context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource FQN that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)%s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)%s", e.Class, e.Message, e.Resource, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewAlreadyExistsError creates the conflict error a provider returns
// when a create attempt finds the target already present externally.
// When the scope has adoption enabled, the provider is expected to fall
// back to lookup-and-update instead of returning this.
func NewAlreadyExistsError(identifier string) *EngineError {
	return &EngineError{
		Class:    ErrorClassConflict,
		Message:  fmt.Sprintf("resource %q already exists", identifier),
		Code:     ErrCodeAlreadyExists,
		Resource: identifier,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(kind, fqn string) *EngineError {
	e.Resource = fmt.Sprintf("%s(%s)", kind, fqn)
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsAlreadyExists returns true for adoption-conflict errors.
func IsAlreadyExists(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeAlreadyExists
	}
	return false
}

// IsRetryable returns true if the error can be retried. Transient and
// throttled errors are retryable; the engine itself never retries, but
// providers use this as the default predicate for RetryWithBackoff.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDuplicateKind       = "DUPLICATE_KIND"
	ErrCodeUnknownKind         = "UNKNOWN_KIND"
	ErrCodeInvalidID           = "INVALID_ID"
	ErrCodeKindMismatch        = "KIND_MISMATCH"
	ErrCodeReplaceDuringCreate = "REPLACE_DURING_CREATE"
	ErrCodeReaderBlocked       = "READER_BLOCKED"
)
