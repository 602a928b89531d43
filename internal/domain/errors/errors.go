package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies errors across the safety-check domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypePolicy     ErrorType = "policy"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeForbidden  ErrorType = "forbidden"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeIntegrity  ErrorType = "integrity"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewPolicyError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypePolicy,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// NewInvalidContextError signals a malformed or incomplete evaluation context.
// The caller must retry with corrected input.
func NewInvalidContextError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "INVALID_CONTEXT",
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewJustificationTooShortError signals an override reason below the minimum
// length. This is a hard compliance gate and is never bypassable.
func NewJustificationTooShortError(minLength int) *AppError {
	return &AppError{
		Type:       ErrorTypePolicy,
		Code:       "JUSTIFICATION_TOO_SHORT",
		Message:    fmt.Sprintf("Override requires justification (min %d characters)", minLength),
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"min_length": minLength, "field": "reason"},
	}
}

// NewOverrideNotPermittedError signals an override attempt against a verdict
// that policy marks non-overridable, regardless of justification.
func NewOverrideNotPermittedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePolicy,
		Code:       "OVERRIDE_NOT_PERMITTED",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewAuditAppendError signals a storage-layer failure on the audit path.
// Fatal to the request: the operation must not be reported as recorded.
func NewAuditAppendError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "AUDIT_APPEND_FAILURE",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewChainIntegrityError signals a detected break in the hash chain during
// verification. Raised out-of-band, never on the normal write path.
func NewChainIntegrityError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "CHAIN_INTEGRITY_VIOLATION",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

// Predefined common errors
var (
	ErrInvalidInput    = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrRuleNotFound    = NewNotFoundError("rule")
	ErrVerdictNotFound = NewNotFoundError("assurance event")
	ErrEventNotFound   = NewNotFoundError("audit event")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
