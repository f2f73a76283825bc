// Package apperr holds the sentinel errors shared across layers. Callers wrap
// them with context and match with errors.Is at the transport boundary.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrValidation    = errors.New("validation failed")
	ErrLockHeld      = errors.New("lock held by another session")
)

// Validation wraps a validation failure (for example an ozzo-validation
// error set) so that errors.Is(err, ErrValidation) holds while the original
// message is kept.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{err: err}
}

type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }

func (e *validationError) Unwrap() []error { return []error{ErrValidation, e.err} }
