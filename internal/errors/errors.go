package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication
	ErrCodeAuthenticationFailure ErrorCode = "AUTHENTICATION_FAILURE"
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"

	// Connection lifecycle
	ErrCodeActivationTimeout   ErrorCode = "ACTIVATION_TIMEOUT"
	ErrCodeTransientConnection ErrorCode = "TRANSIENT_CONNECTION_ERROR"
	ErrCodeCapacityExceeded    ErrorCode = "CAPACITY_EXCEEDED"

	// Frames and operations
	ErrCodeInvalidStreamType ErrorCode = "INVALID_STREAM_TYPE"
	ErrCodeMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"

	// Resource
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeAppNotInstalled ErrorCode = "APP_NOT_INSTALLED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func AuthenticationFailure(message string) *AppError {
	return New(ErrCodeAuthenticationFailure, message)
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func ActivationTimeout(packageName string) *AppError {
	return New(ErrCodeActivationTimeout, fmt.Sprintf("%s did not connect in time", packageName))
}

func TransientConnection(message string, cause error) *AppError {
	return Wrap(ErrCodeTransientConnection, message, cause)
}

func CapacityExceeded(message string) *AppError {
	return New(ErrCodeCapacityExceeded, message)
}

func InvalidStreamType(streamType string) *AppError {
	return New(ErrCodeInvalidStreamType, fmt.Sprintf("Invalid stream type: %s", streamType))
}

func MalformedMessage(reason string) *AppError {
	return New(ErrCodeMalformedMessage, fmt.Sprintf("Malformed message: %s", reason))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func SessionNotFound() *AppError {
	return New(ErrCodeSessionNotFound, "Session not found")
}

func AppNotInstalled(packageName string) *AppError {
	return New(ErrCodeAppNotInstalled, fmt.Sprintf("%s is not installed", packageName))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
