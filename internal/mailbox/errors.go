package mailbox

import (
	"errors"
	"fmt"
)

// TransientError indicates a transport failure worth retrying:
// connection refused, timeout, a server hiccup mid-conversation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient mailbox error (%s): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError indicates an authentication or configuration failure.
// Retrying without operator intervention will not help.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal mailbox error (%s): %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err (or any error in its chain) is a
// FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}
