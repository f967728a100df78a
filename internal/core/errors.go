package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrCapacity        = errors.New("connection capacity reached")
	ErrBackpressure    = errors.New("backpressure")
	ErrConnClosed      = errors.New("connection closed")
	ErrBadPayload      = errors.New("bad payload")
	ErrStreamTooLarge  = errors.New("audio stream too large")
)

// CollaboratorError marks a failure of an external service call. It is
// scoped to the one command that made the call.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func Collaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Op: op, Err: err}
}
