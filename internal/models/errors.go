package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the tracker, handlers and materializer.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid state")
	ErrValidation             = errors.New("validation failed")
	ErrExternalDependency     = errors.New("external dependency failed")
	ErrDuplicateSourceMessage = errors.New("duplicate source message")
	ErrIncompleteWorkflow     = errors.New("incomplete workflow")
)

// ValidationError is a user-facing input error. The message is safe to show to the user.
type ValidationError struct {
	Field   FieldKey
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExternalDependencyError wraps a failure from the chat or calendar collaborator.
type ExternalDependencyError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalDependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalDependencyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrExternalDependency.
func (e *ExternalDependencyError) Is(target error) bool {
	return target == ErrExternalDependency
}

// NewExternalError wraps err as an ExternalDependencyError, or returns nil for a nil err.
func NewExternalError(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalDependencyError{Service: service, Op: op, Err: err}
}
