package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflicting concurrent update")
	ErrBatchEmpty      = errors.New("Batch cannot be empty")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrBatchProcessing = errors.New("batch is still processing")
	ErrBatchNotFound   = errors.New("batch not found")
)

// ValidationError is a user-facing problem with one input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ValidationErrors collects every defect found in one pass.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, NewValidationError(field, message))
}

// Err returns nil when nothing was collected.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

type AuthorizationError struct {
	Action string
	Actor  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s is not authorized to %s", e.Actor, e.Action)
}

type StateTransitionError struct {
	Entity string
	ID     uuid.UUID
	From   string
	Action string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Entity, e.ID, e.From)
}

// ExecutionError is a settlement failure recorded on an execution.
type ExecutionError struct {
	ExecutionID uuid.UUID
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
