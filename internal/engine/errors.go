package engine

import (
	"errors"
	"fmt"

	"github.com/marcus/replica/internal/transport"
)

// ErrLocalStorage marks failures of the local store, as opposed to the remote.
var ErrLocalStorage = errors.New("local storage")

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// RejectedError is returned when the remote answered a mutation with an error
// status. Recovery has already run; RecoverErr is set when it failed and the
// queue entry was kept.
type RejectedError struct {
	Key        string
	Rejection  *transport.Rejection
	Recovery   Recovery
	RecoverErr error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("%s rejected: %v", e.Key, e.Rejection)
	if e.RecoverErr != nil {
		msg += fmt.Sprintf(" (recovery failed: %v)", e.RecoverErr)
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Rejection }

// Status returns the HTTP status of the rejection.
func (e *RejectedError) Status() int { return e.Rejection.Status }

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrLocalStorage, err)
}
