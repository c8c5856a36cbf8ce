package errorkind

import "fmt"

// ValidationError wraps a single field-specific request validation
// failure. The HTTP boundary renders it as a 400 naming the field (spec
// §6, §7).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
