package registry

import "gpumux/pkg/types"

// validationError rejects a config at create/update time. It never reaches
// the scheduler and never mutates state.
type validationError struct{ msg string }

func (e validationError) Error() string { return "invalid model config: " + e.msg }

// ErrValidation constructs a config validation error.
func ErrValidation(msg string) error { return validationError{msg: msg} }

// IsValidation reports whether err is a config validation error.
func IsValidation(err error) bool {
	_, ok := err.(validationError)
	return ok
}

type errModelNotFound struct{ id string }

func (e errModelNotFound) Error() string { return "model not found: " + e.id }

// IsNotFound reports whether err indicates a missing model id.
func IsNotFound(err error) bool {
	_, ok := err.(errModelNotFound)
	return ok
}

// ErrNotFound constructs a model-not-found error.
func ErrNotFound(id string) error { return errModelNotFound{id: id} }

type errModelExists struct{ id string }

func (e errModelExists) Error() string { return "model already exists: " + e.id }

// IsExists reports whether err indicates a duplicate model id.
func IsExists(err error) bool {
	_, ok := err.(errModelExists)
	return ok
}

type errInvalidState struct {
	id     string
	status types.ModelStatus
	op     string
}

func (e errInvalidState) Error() string {
	return "cannot " + e.op + " model " + e.id + " in status " + string(e.status)
}

// ErrInvalidState constructs an invalid-state error for an operation.
func ErrInvalidState(id string, status types.ModelStatus, op string) error {
	return errInvalidState{id: id, status: status, op: op}
}

// IsInvalidState reports whether err indicates a state-dependent rejection.
func IsInvalidState(err error) bool {
	_, ok := err.(errInvalidState)
	return ok
}
