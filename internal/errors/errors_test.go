package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Session not found")
		assert.Equal(t, "NOT_FOUND: Session not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "platform", "reason": "unknown"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"NotFound", func() *AppError { return NotFound("Session") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("platform", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("name") }, ErrCodeMissingRequired},
		{"InvalidTransition", func() *AppError { return InvalidTransition("start", "connected") }, ErrCodeInvalidTransition},
		{"SessionBusy", func() *AppError { return SessionBusy() }, ErrCodeSessionBusy},
		{"AlreadyPairing", func() *AppError { return AlreadyPairing() }, ErrCodeAlreadyPairing},
		{"ChallengeExpired", func() *AppError { return ChallengeExpired() }, ErrCodeChallengeExpired},
		{"InvalidPairingToken", func() *AppError { return InvalidPairingToken() }, ErrCodeInvalidPairingToken},
		{"ConnectorUnreachable", func() *AppError { return ConnectorUnreachable(nil) }, ErrCodeConnectorUnreachable},
		{"ConnectorRejected", func() *AppError { return ConnectorRejected("pair", nil) }, ErrCodeConnectorRejected},
		{"RateLimitExceeded", func() *AppError { return RateLimitExceeded() }, ErrCodeRateLimitExceeded},
		{"PayloadTooLarge", func() *AppError { return PayloadTooLarge(1024) }, ErrCodePayloadTooLarge},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestInvalidTransitionDetails(t *testing.T) {
	err := InvalidTransition("stop", "disconnected")
	assert.Equal(t, "Cannot stop a session in status disconnected", err.Message)
	assert.Equal(t, map[string]string{"command": "stop", "status": "disconnected"}, err.Details)
}

func TestConnectorRejected(t *testing.T) {
	t.Run("wraps connector error", func(t *testing.T) {
		cause := errors.New("401 unauthorized")
		err := ConnectorRejected("pair", cause)
		assert.Equal(t, ErrCodeConnectorRejected, err.Code)
		assert.Contains(t, err.Message, "pair")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIsAppError(t *testing.T) {
	t.Run("returns true for AppError", func(t *testing.T) {
		assert.True(t, IsAppError(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		assert.False(t, IsAppError(errors.New("standard error")))
	})

	t.Run("returns true for fmt-wrapped AppError", func(t *testing.T) {
		wrapped := fmt.Errorf("start session: %w", SessionBusy())
		assert.True(t, IsAppError(wrapped))
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeNotFound, GetCode(New(ErrCodeNotFound, "test")))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("standard error")))
	})

	t.Run("HasCode ignores nil", func(t *testing.T) {
		assert.False(t, HasCode(nil, ErrCodeInternal))
		assert.True(t, HasCode(SessionBusy(), ErrCodeSessionBusy))
	})
}
