package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Session lifecycle
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeSessionBusy       ErrorCode = "SESSION_BUSY"
	ErrCodeAlreadyPairing    ErrorCode = "ALREADY_PAIRING"

	// Pairing
	ErrCodeChallengeExpired    ErrorCode = "CHALLENGE_EXPIRED"
	ErrCodeInvalidPairingToken ErrorCode = "INVALID_PAIRING_TOKEN"

	// Connector
	ErrCodeConnectorUnreachable ErrorCode = "CONNECTOR_UNREACHABLE"
	ErrCodeConnectorRejected    ErrorCode = "CONNECTOR_REJECTED"

	// Request limits
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodePayloadTooLarge   ErrorCode = "PAYLOAD_TOO_LARGE"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
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

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

// InvalidTransition reports a command that is not valid from the session's current status.
func InvalidTransition(command string, from string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("Cannot %s a session in status %s", command, from)).
		WithDetails(map[string]string{"command": command, "status": from})
}

func SessionBusy() *AppError {
	return New(ErrCodeSessionBusy, "Another command is in flight for this session, retry later")
}

func AlreadyPairing() *AppError {
	return New(ErrCodeAlreadyPairing, "Session is already pairing")
}

func ChallengeExpired() *AppError {
	return New(ErrCodeChallengeExpired, "Pairing challenge has expired")
}

func InvalidPairingToken() *AppError {
	return New(ErrCodeInvalidPairingToken, "Invalid or superseded pairing token")
}

func ConnectorUnreachable(cause error) *AppError {
	return Wrap(ErrCodeConnectorUnreachable, "Connector unreachable", cause)
}

func ConnectorRejected(operation string, cause error) *AppError {
	return Wrap(ErrCodeConnectorRejected, fmt.Sprintf("Connector rejected %s", operation), cause)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func PayloadTooLarge(limit int64) *AppError {
	return New(ErrCodePayloadTooLarge, fmt.Sprintf("Request body exceeds %d bytes", limit))
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
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

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
