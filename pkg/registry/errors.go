package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStatus is returned when a transition targets an unknown status
	ErrInvalidStatus = errors.New("invalid agent status")

	// ErrInvalidTransition is returned when a transition is not a permitted
	// edge of the agent state machine and force was not set
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
