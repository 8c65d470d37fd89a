package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: worker pool unreachable, response timeout, store busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a second dispatch
	// for an entity that already has one outstanding.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid provisioner configuration, tool exited non-zero.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity id the error relates to, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)%s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapSuffix())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)%s",
			e.Class, e.Message, e.Resource, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapSuffix() string {
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
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewInvalidConfigurationError reports a precondition failure. Requests that
// fail this way are never dispatched.
func NewInvalidConfigurationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeInvalidConfiguration)
}

// NewDispatchFailureError reports that the worker pool refused or could not
// accept a request.
func NewDispatchFailureError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeDispatchFailure)
}

// NewTimeoutFailureError reports that no worker response arrived in time.
func NewTimeoutFailureError(message string) *EngineError {
	return NewTransientError(message, nil).WithCode(ErrCodeTimeoutFailure)
}

// NewWorkerReportedFailureError carries the remote tool's error text verbatim.
func NewWorkerReportedFailureError(toolMessage string) *EngineError {
	return NewPermanentError(toolMessage, nil).WithCode(ErrCodeWorkerReportedFailure)
}

// NewPersistenceFailureError reports that the history store could not be read
// or written.
func NewPersistenceFailureError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodePersistenceFailure)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
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

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// ErrorCode returns the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsInvalidConfiguration reports whether err is a precondition failure.
func IsInvalidConfiguration(err error) bool { return hasCode(err, ErrCodeInvalidConfiguration) }

// IsDispatchFailure reports whether err is a dispatch failure.
func IsDispatchFailure(err error) bool { return hasCode(err, ErrCodeDispatchFailure) }

// IsTimeoutFailure reports whether err is a synthesized timeout.
func IsTimeoutFailure(err error) bool { return hasCode(err, ErrCodeTimeoutFailure) }

// IsWorkerReportedFailure reports whether err came from the remote tool.
func IsWorkerReportedFailure(err error) bool { return hasCode(err, ErrCodeWorkerReportedFailure) }

// IsPersistenceFailure reports whether err came from the history store.
func IsPersistenceFailure(err error) bool { return hasCode(err, ErrCodePersistenceFailure) }

// Common error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodeInvalidConfiguration   = "INVALID_CONFIGURATION"
	ErrCodeDispatchFailure        = "DISPATCH_FAILURE"
	ErrCodeTimeoutFailure         = "TIMEOUT_FAILURE"
	ErrCodeWorkerReportedFailure  = "WORKER_REPORTED_FAILURE"
	ErrCodePersistenceFailure     = "PERSISTENCE_FAILURE"
	ErrCodeUnsupportedProvisioner = "UNSUPPORTED_PROVISIONER"
)
