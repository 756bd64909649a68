// Package dispatch assembles pending licence usage records into
// batches and drives them out over SMTP until the authority
// acknowledges them. The dispatcher owns single attempts; the
// scheduler owns the retry cadence.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/licence-relay/internal/edifact"
	"github.com/nhle/licence-relay/internal/mailbox"
	"github.com/nhle/licence-relay/internal/model"
)

// Store is the durable slice of state the dispatch side runs on.
type Store interface {
	PendingUsage(ctx context.Context, limit int) ([]model.LicenceUsage, error)
	BatchesInFlight(ctx context.Context) (int, error)
	CreateBatch(ctx context.Context, batch model.Batch) error
	UsageByReference(ctx context.Context, reference string) (*model.LicenceUsage, error)
	DueBatches(ctx context.Context, now time.Time, limit int) ([]model.Batch, error)
	MarkAttempt(ctx context.Context, runNumber int64, at, next time.Time) (bool, error)
	HoldBatch(ctx context.Context, runNumber int64) error
}

// Sequence allocates run numbers.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// Sender submits outbound mail.
type Sender interface {
	Send(ctx context.Context, m mailbox.OutboundMail) error
}

// Dispatcher builds outbound batches and performs single dispatch
// attempts.
type Dispatcher struct {
	store    Store
	sequence Sequence
	sender   Sender
	policy   RetryPolicy
	logger   *slog.Logger

	from        string
	to          string
	maxInFlight int
	batchLimit  int
}

// NewDispatcher wires a Dispatcher. maxInFlight caps unacknowledged
// batches; the authority intake handles one file at a time, so it is
// usually 1.
func NewDispatcher(
	store Store,
	sequence Sequence,
	sender Sender,
	policy RetryPolicy,
	logger *slog.Logger,
	from, to string,
	maxInFlight, batchLimit int,
) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Dispatcher{
		store:       store,
		sequence:    sequence,
		sender:      sender,
		policy:      policy,
		logger:      logger,
		from:        from,
		to:          to,
		maxInFlight: maxInFlight,
		batchLimit:  batchLimit,
	}
}

// BuildBatch assembles pending records into a new queued batch. It
// returns nil without error when there is nothing to send or the
// in-flight cap is reached. The run number is allocated and the batch
// persisted before anything touches the network, so a crash here burns
// a number instead of ever reusing one.
func (d *Dispatcher) BuildBatch(ctx context.Context) (*model.Batch, error) {
	inFlight, err := d.store.BatchesInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking in-flight batches: %w", err)
	}
	if inFlight >= d.maxInFlight {
		d.logger.Debug("dispatch slot busy", "in_flight", inFlight)
		return nil, nil
	}

	pending, err := d.store.PendingUsage(ctx, d.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("loading pending records: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	runNumber, err := d.sequence.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating run number: %w", err)
	}

	refs := make([]string, len(pending))
	for i, r := range pending {
		refs[i] = r.Reference
	}

	now := time.Now().UTC()
	batch := model.Batch{
		RunNumber: runNumber,
		Status:    model.BatchQueued,
		// CreatedAt is stamped exactly once: the encoder derives the
		// file timestamp from it, so retries re-produce identical
		// bytes.
		CreatedAt:     now,
		NextAttemptAt: &now,
		References:    refs,
	}

	if err := d.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("creating batch %d: %w", runNumber, err)
	}

	d.logger.Info("batch assembled",
		"run_number", runNumber,
		"records", len(refs),
	)

	return &batch, nil
}

// Dispatch performs one send attempt for a batch. The attempt is
// recorded durably before the SMTP conversation starts, so a crash
// mid-send looks like a transient failure and the next attempt reuses
// the same run number with byte-identical content.
//
// A lost claim (another worker got there first, or the batch reached a
// terminal state) is not an error. Transient send failures leave the
// batch armed for its next attempt; fatal ones put it on hold for an
// operator.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *model.Batch) error {
	records, err := d.loadRecords(ctx, batch.References)
	if err != nil {
		return err
	}

	encoded, err := edifact.EncodeUsage(batch.RunNumber, batch.CreatedAt, records)
	if err != nil {
		return fmt.Errorf("encoding batch %d: %w", batch.RunNumber, err)
	}

	now := time.Now().UTC()
	attempt := batch.Attempts + 1
	next := now.Add(d.policy.Delay(attempt))

	claimed, err := d.store.MarkAttempt(ctx, batch.RunNumber, now, next)
	if err != nil {
		return err
	}
	if !claimed {
		d.logger.Debug("dispatch claim lost", "run_number", batch.RunNumber)
		return nil
	}

	mail := mailbox.OutboundMail{
		From:           d.from,
		To:             d.to,
		Subject:        edifact.Subject(batch.RunNumber),
		Body:           fmt.Sprintf("Licence usage file for run %d attached.\n", batch.RunNumber),
		AttachmentName: edifact.FileName(batch.RunNumber, batch.CreatedAt),
		Attachment:     encoded,
	}

	if err := d.sender.Send(ctx, mail); err != nil {
		if mailbox.IsFatal(err) {
			if holdErr := d.store.HoldBatch(ctx, batch.RunNumber); holdErr != nil {
				d.logger.Error("holding batch after fatal send failure",
					"run_number", batch.RunNumber, "error", holdErr)
			}
			d.logger.Error("batch held, operator intervention required",
				"alert", true,
				"run_number", batch.RunNumber,
				"attempt", attempt,
				"error", err,
			)
			return err
		}

		d.logger.Warn("dispatch attempt failed",
			"run_number", batch.RunNumber,
			"attempt", attempt,
			"next_attempt_at", next,
			"error", err,
		)
		return err
	}

	d.logger.Info("batch dispatched",
		"run_number", batch.RunNumber,
		"attempt", attempt,
		"records", len(records),
	)

	return nil
}

// loadRecords resolves batch membership in stored order.
func (d *Dispatcher) loadRecords(
	ctx context.Context,
	refs []string,
) ([]model.LicenceUsage, error) {
	records := make([]model.LicenceUsage, 0, len(refs))
	for _, ref := range refs {
		r, err := d.store.UsageByReference(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("loading record %s: %w", ref, err)
		}
		records = append(records, *r)
	}
	return records, nil
}
