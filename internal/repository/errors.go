package repository

import "errors"

var (
	// ErrNotFound is returned by get and delete operations on an absent identity.
	ErrNotFound = errors.New("not found")
	// ErrValidation wraps every rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrBackendUnavailable is returned when the relational backend is not open.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

func invalid(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }
