package store

import (
	"errors"
	"fmt"
)

// TransientError marks a store failure worth retrying: lock contention,
// connection loss, serialization conflicts. The scheduler applies
// backoff on these.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a store failure that will not clear on its own:
// corruption, constraint violations from bad input, disk full. The
// scheduler disables the task until operator intervention.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("store: fatal failure in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

func Fatal(op string, err error) error { return &FatalError{Op: op, Err: err} }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
