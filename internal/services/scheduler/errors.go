package scheduler

import "errors"

var (
	// ErrDuplicateHandler is returned by RegisterHandler when the name is taken.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrUnknownHandler is returned by AddEvent for an unregistered handler name.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrMissingHandler means an event came due but its handler is no longer
	// (or was never) in the registry — typically a snapshot loaded into a
	// process that registers a different handler set.
	ErrMissingHandler = errors.New("missing handler")
	// ErrBadSnapshot is returned by LoadEvents for input it cannot parse or
	// validate. The event table is left untouched.
	ErrBadSnapshot = errors.New("malformed snapshot")
)
