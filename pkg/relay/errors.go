package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for empty segments or reserved characters.
	ErrInvalidPath = errors.New("relay: invalid path")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("relay: store closed")
	// ErrTransient marks relay I/O failures. Callers log these and move on.
	ErrTransient = errors.New("relay: transient i/o failure")
	// ErrNoValue is returned by Snapshot.Decode for an absent value.
	ErrNoValue = errors.New("relay: no value at path")
)

// OpError wraps a backend failure with the operation and path. It matches
// ErrTransient with errors.Is.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("relay %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

func opError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Path: path, Err: err}
}
