package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid wager state")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrValidation             = errors.New("validation failed")
	ErrNoStationFound         = errors.New("no observation station found")
	ErrStationResolution      = errors.New("station resolution failed")
	ErrObservationUnavailable = errors.New("observation unavailable")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrLockHeld               = errors.New("lock already held")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Is reports ErrValidation so callers can match any ValidationError with
// errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid is shorthand for constructing a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
