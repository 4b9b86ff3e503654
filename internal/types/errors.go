//nolint:revive // types is a standard Go package name pattern
package types

import (
	"errors"
	"fmt"
)

// The error taxonomy is deliberately small. Not-found is never an error:
// lookups return nil (or an empty slice) and the caller decides what that
// means. Everything that is an error falls into one of three kinds.

// ValidationError reports malformed input: a bad logical key, a spec missing
// a required filter, freezing an already-frozen RunSet without force.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError with no field context.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost race or an integrity clash: a concurrent write
// to the same artifact ID, the loser of a concurrent freeze, tombstoning an
// artifact that still has consumers.
type ConflictError struct {
	Resource string
	Msg      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Resource, e.Msg)
}

// Conflictf builds a ConflictError for the named resource.
func Conflictf(resource, format string, args ...any) error {
	return &ConflictError{Resource: resource, Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError wraps a simulation-engine failure with the stage that raised
// it. The engine's error payload is preserved, never swallowed.
type ExecutionError struct {
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at stage %q: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
