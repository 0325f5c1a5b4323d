package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced task, trigger, await or wake does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a trigger whose name is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned when a status-guarded update matched no row.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrForbidden is returned when an ingress request targets a disabled trigger.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized is returned on a webhook credential mismatch.
	// errors.Is(ErrUnauthorized, ErrForbidden) holds.
	ErrUnauthorized = fmt.Errorf("%w: credential mismatch", ErrForbidden)
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
