package model

import "errors"

// ErrRunNumberExhausted is returned when the run-number counter reaches
// the representable ceiling. Allocation never wraps; dispatch halts and
// an operator has to intervene.
var ErrRunNumberExhausted = errors.New("run number sequence exhausted")

// ErrBatchNotFound is returned when a batch lookup by run number finds
// nothing, e.g. a reply for a batch another instance issued.
var ErrBatchNotFound = errors.New("batch not found")

// ErrRecordNotFound is returned when a licence usage record lookup by
// reference finds nothing.
var ErrRecordNotFound = errors.New("licence usage record not found")
