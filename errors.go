package courier

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("courier: no store configured")
	ErrStoreClosed = errors.New("courier: store closed")

	// Not found errors.
	ErrJobNotFound  = errors.New("courier: job not found")
	ErrItemNotFound = errors.New("courier: item not found")
	ErrDLQNotFound  = errors.New("courier: dlq entry not found")
	ErrKeyNotFound  = errors.New("courier: idempotency key not found")

	// Request errors.
	ErrValidation          = errors.New("courier: validation failed")
	ErrIdempotencyConflict = errors.New("courier: idempotency key already used")

	// State errors.
	ErrInvalidState = errors.New("courier: invalid state transition")
	ErrItemTerminal = errors.New("courier: item already terminal")
	ErrStaleAttempt = errors.New("courier: stale attempt")
	ErrItemNotReady = errors.New("courier: item not completed")
	ErrJobExpired   = errors.New("courier: job expired")
	ErrJobCanceled  = errors.New("courier: job canceled")
)

// ValidationError reports a rejected job request. No job is created when
// it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError returns a *ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "courier: validation failed: " + e.Reason
	}
	return fmt.Sprintf("courier: validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }
