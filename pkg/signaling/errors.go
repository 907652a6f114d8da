package signaling

import "errors"

var (
	// ErrValidation is returned when required local input is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for a pairing code that is absent or expired.
	// The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("not found or expired")
	// ErrPermission is returned when local media cannot be acquired.
	ErrPermission = errors.New("media permission denied")
	// ErrUnknownCommand is returned when a command type is not recognized.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrNoSession is returned when a command needs a session and none is active.
	ErrNoSession = errors.New("no active session")
)
