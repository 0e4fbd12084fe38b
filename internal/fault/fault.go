// Package fault defines the error classes shared by the measurement packages.
//
// Every error returned by the core wraps one of the three class sentinels
// (ErrValidation, ErrState, ErrStorage), usually through a more specific
// sentinel, so callers can branch with errors.Is at either level.
package fault

import "errors"

// Error classes.
var (
	ErrValidation = errors.New("validation error")
	ErrState      = errors.New("state error")
	ErrStorage    = errors.New("storage error")
)

// Validation errors.
var (
	ErrDuplicateChannel = subclass("duplicate channel", ErrValidation)
	ErrNotFound         = subclass("not found", ErrValidation)
	ErrInvalidGroup     = subclass("invalid group", ErrValidation)
)

// State errors.
var (
	ErrNotRun       = subclass("take has not been run", ErrState)
	ErrAlreadySaved = subclass("take already saved", ErrState)
)

// Storage errors.
var (
	ErrExists  = subclass("already exists", ErrStorage)
	ErrMissing = subclass("missing container", ErrStorage)
	ErrBadLink = subclass("unresolvable link", ErrStorage)
)

type classError struct {
	msg    string
	parent error
}

func subclass(msg string, parent error) error {
	return &classError{msg: msg, parent: parent}
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.parent }
