package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by repositories and services when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError reports bad input. It is always returned before any ledger call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidation builds a ValidationError for a single field.
func NewValidation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StateConflictError reports an operation that is not allowed from the record's current state.
type StateConflictError struct {
	Entity  string
	ID      string
	Current string
	Message string
}

func (e *StateConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Message)
	}
	return fmt.Sprintf("%s %s: operation not allowed in state %s", e.Entity, e.ID, e.Current)
}

// NewStateConflict builds a StateConflictError with a formatted message.
func NewStateConflict(entity, id, current, format string, args ...interface{}) error {
	return &StateConflictError{Entity: entity, ID: id, Current: current, Message: fmt.Sprintf(format, args...)}
}

// ForbiddenError reports an actor who may not perform an operation on a record.
type ForbiddenError struct {
	Actor  string
	Action string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", e.Actor, e.Action, e.Reason)
}

// NewForbidden builds a ForbiddenError.
func NewForbidden(actor, action, reason string) error {
	return &ForbiddenError{Actor: actor, Action: action, Reason: reason}
}

// PartialCompletionError is returned when a multi-step operation stopped after some
// ledger steps succeeded. The affected record is persisted and can be resumed.
type PartialCompletionError struct {
	Operation     string
	RecordID      string
	CompletedStep string
	FailedStep    string
	ResumeWith    string
	Err           error
}

func (e *PartialCompletionError) Error() string {
	return fmt.Sprintf("%s partially completed for %s: %s succeeded, %s failed (resume with %s): %v",
		e.Operation, e.RecordID, e.CompletedStep, e.FailedStep, e.ResumeWith, e.Err)
}

func (e *PartialCompletionError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps a service error to a response status code. Errors that carry
// their own mapping (ledger errors) are asked directly.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		conflict   *StateConflictError
		forbidden  *ForbiddenError
		partial    *PartialCompletionError
		coded      interface{ HTTPStatus() int }
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &partial):
		return http.StatusAccepted
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &coded):
		return coded.HTTPStatus()
	default:
		return http.StatusInternalServerError
	}
}
