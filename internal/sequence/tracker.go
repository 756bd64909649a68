// Package sequence owns the run-number counter that orders every
// exchange with the authority. Numbers are handed out exactly once,
// survive restarts, and leave gaps rather than ever being reused.
package sequence

import (
	"context"
	"sync"

	"github.com/nhle/licence-relay/internal/model"
)

// ErrExhausted is returned by Next once the counter hits its ceiling.
// Dispatch of new batches halts until an operator intervenes; numbers
// are never wrapped or reused.
var ErrExhausted = model.ErrRunNumberExhausted

// Store is the durable slice of state the tracker runs on.
type Store interface {
	AllocateRunNumber(ctx context.Context) (int64, error)
	AcknowledgeRunNumber(ctx context.Context, runNumber int64) error
	RunNumbers(ctx context.Context) (issued, acknowledged int64, err error)
}

// Tracker serializes run-number allocation. The mutex keeps concurrent
// dispatchers from interleaving the read-increment transaction; the
// store makes the result durable before any caller sees it.
type Tracker struct {
	mu    sync.Mutex
	store Store
}

// NewTracker returns a Tracker backed by the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Next allocates the next run number. The number is persisted before
// it is returned, so a crash after allocation burns the number instead
// of reissuing it. Returns ErrExhausted at the ceiling.
func (t *Tracker) Next(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.AllocateRunNumber(ctx)
}

// Acknowledge raises the acknowledged high-water mark to runNumber.
// Lower or equal values are a silent no-op, which is what makes
// out-of-order and duplicate replies harmless here.
func (t *Tracker) Acknowledge(ctx context.Context, runNumber int64) error {
	return t.store.AcknowledgeRunNumber(ctx, runNumber)
}

// Snapshot reports the highest issued and acknowledged run numbers.
func (t *Tracker) Snapshot(ctx context.Context) (issued, acknowledged int64, err error) {
	return t.store.RunNumbers(ctx)
}
