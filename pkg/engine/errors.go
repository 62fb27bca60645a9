package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure so callers can decide how to surface it.
type ErrorClass string

const (
	// ErrorClassConfiguration covers unsupported providers, missing fields and
	// policy denials. It is always raised before any external process runs.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassProcess indicates an external process exited non-zero.
	// The captured stderr is attached as the "stderr" detail.
	ErrorClassProcess ErrorClass = "process"

	// ErrorClassTimeout indicates an external process exceeded its deadline
	// and its process group was killed.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassOutputParse indicates structured output from an engine did not parse.
	ErrorClassOutputParse ErrorClass = "output_parse"

	// ErrorClassArchiveIntegrity indicates a malformed archive: missing manifest,
	// missing or ambiguous top-level directory.
	ErrorClassArchiveIntegrity ErrorClass = "archive_integrity"

	// ErrorClassReference indicates an unknown lab, machine, snapshot or bundle id.
	ErrorClassReference ErrorClass = "reference"

	// ErrorClassConflict indicates a pipeline run is already in flight for the lab.
	ErrorClassConflict ErrorClass = "conflict"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the lab, machine or snapshot id involved, if any.
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
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
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

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewProcessError creates a process failure error carrying the captured stderr.
func NewProcessError(message string, exitCode int, stderr string) *EngineError {
	return newError(ErrorClassProcess, message, nil).
		WithCode(ErrCodeProcessFailed).
		WithDetail("exit_code", exitCode).
		WithDetail("stderr", stderr)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewOutputParseError creates a new output parse error.
func NewOutputParseError(message string, err error) *EngineError {
	return newError(ErrorClassOutputParse, message, err).WithCode(ErrCodeOutputParse)
}

// NewArchiveIntegrityError creates a new archive integrity error.
func NewArchiveIntegrityError(message string, err error) *EngineError {
	return newError(ErrorClassArchiveIntegrity, message, err).WithCode(ErrCodeArchiveIntegrity)
}

// NewReferenceError creates a new reference error for an unknown id.
func NewReferenceError(message string, err error) *EngineError {
	return newError(ErrorClassReference, message, err).WithCode(ErrCodeNotFound)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
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

// ClassOf returns the class of err, or an empty class if err is not an EngineError.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsProcess returns true if the error is classified as a process failure.
func IsProcess(err error) bool {
	return ClassOf(err) == ErrorClassProcess
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return ClassOf(err) == ErrorClassTimeout
}

// IsOutputParse returns true if the error is classified as an output parse error.
func IsOutputParse(err error) bool {
	return ClassOf(err) == ErrorClassOutputParse
}

// IsArchiveIntegrity returns true if the error is classified as an archive integrity error.
func IsArchiveIntegrity(err error) bool {
	return ClassOf(err) == ErrorClassArchiveIntegrity
}

// IsReference returns true if the error is classified as a reference error.
func IsReference(err error) bool {
	return ClassOf(err) == ErrorClassReference
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnsupported      = "UNSUPPORTED_PROVIDER"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeProcessFailed    = "PROCESS_FAILED"
	ErrCodeOutputParse      = "OUTPUT_PARSE"
	ErrCodeArchiveIntegrity = "ARCHIVE_INTEGRITY"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
