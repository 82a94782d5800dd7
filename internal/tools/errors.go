package tools

import "fmt"

// ValidationError reports malformed caller input. It is detected before any
// remote interaction and is the only error class surfaced to callers as a
// plain error instead of an error Result.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
