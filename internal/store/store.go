package store

import (
	"context"
	"time"

	"github.com/nhle/licence-relay/internal/model"
)

// MailReadStatus records how a fetched mailbox item was handled.
type MailReadStatus string

const (
	// MailRead means the item was decoded and handed to reconciliation.
	MailRead MailReadStatus = "read"

	// MailUnprocessable means the item could not be decoded; it is
	// skipped on later polls but kept for audit.
	MailUnprocessable MailReadStatus = "unprocessable"
)

// RecordTransition is one per-licence state change applied while
// reconciling a reply or exhausting a batch.
type RecordTransition struct {
	Reference string
	To        model.RecordState
	Detail    string
}

// ReplyApplication is the unit of work for reconciling a matched reply.
// Everything in it lands in a single transaction: the reply audit row,
// every record transition with its outcome-history entry, and the
// batch's terminal status.
type ReplyApplication struct {
	Reply       model.Reply
	Transitions []RecordTransition
	BatchStatus model.BatchStatus
}

// Store defines the durable state the relay engine runs on.
// Implementations must survive process restarts and keep every
// mutation atomic.
type Store interface {
	// === Licence usage records ===

	// EnqueueUsage inserts new pending records from the LITE feed.
	// Inserting a reference that already exists is an error.
	EnqueueUsage(ctx context.Context, records []model.LicenceUsage) error

	// PendingUsage returns up to limit records in pending state, oldest
	// first.
	PendingUsage(ctx context.Context, limit int) ([]model.LicenceUsage, error)

	// UsageByReference returns a single record, or
	// model.ErrRecordNotFound.
	UsageByReference(ctx context.Context, reference string) (*model.LicenceUsage, error)

	// OutcomeHistory returns the append-only outcome entries for a
	// licence reference, oldest first.
	OutcomeHistory(ctx context.Context, reference string) ([]model.OutcomeEntry, error)

	// RecordCounts returns the number of records per state.
	RecordCounts(ctx context.Context) (map[model.RecordState]int, error)

	// === Batches ===

	// CreateBatch inserts the batch, its ordered membership rows, and
	// moves the member records pending -> sent, in one transaction.
	CreateBatch(ctx context.Context, batch model.Batch) error

	// BatchByRunNumber loads a batch with its member references.
	// Returns model.ErrBatchNotFound when the run number is unknown.
	BatchByRunNumber(ctx context.Context, runNumber int64) (*model.Batch, error)

	// BatchesInFlight counts batches in a non-terminal state.
	BatchesInFlight(ctx context.Context) (int, error)

	// DueBatches returns batches eligible for a dispatch attempt at
	// now: queued or dispatched, not held, next attempt due. Oldest run
	// number first.
	DueBatches(ctx context.Context, now time.Time, limit int) ([]model.Batch, error)

	// MarkAttempt durably claims a dispatch attempt: status becomes
	// dispatched, attempts increments, last/next attempt times are set.
	// It returns false without changing anything when the batch is not
	// claimable (terminal, held, or not yet due), which keeps two
	// concurrent schedulers from double-sending.
	MarkAttempt(ctx context.Context, runNumber int64, at, next time.Time) (bool, error)

	// HoldBatch clears next_attempt_at so the retry scan skips the
	// batch until an operator intervenes.
	HoldBatch(ctx context.Context, runNumber int64) error

	// RearmHeldBatches makes held non-terminal batches due at now
	// again. Returns how many were re-armed.
	RearmHeldBatches(ctx context.Context, now time.Time) (int, error)

	// ExhaustBatch terminally fails a batch: status exhausted, every
	// member record failed with an outcome entry, all in one
	// transaction. Returns the transitioned references, or nil when the
	// batch was already terminal.
	ExhaustBatch(ctx context.Context, runNumber int64, detail string) ([]string, error)

	// BatchCounts returns the number of batches per status.
	BatchCounts(ctx context.Context) (map[model.BatchStatus]int, error)

	// === Replies ===

	// ApplyReply runs a ReplyApplication transactionally. It returns
	// false when a reply with the same mail identifier was already
	// recorded, in which case nothing changes.
	ApplyReply(ctx context.Context, app ReplyApplication) (bool, error)

	// RecordReply stores a reply for audit without applying outcomes
	// (malformed or unmatched replies). Returns false on a duplicate
	// mail identifier.
	RecordReply(ctx context.Context, reply model.Reply) (bool, error)

	// ReplyByMessageID loads a stored reply, or nil when absent.
	ReplyByMessageID(ctx context.Context, messageID string) (*model.Reply, error)

	// === Mailbox read tracking ===

	// SeenMessageIDs returns the mail identifiers already handled, so a
	// poll can skip them without fetching bodies.
	SeenMessageIDs(ctx context.Context) (map[string]struct{}, error)

	// MarkMessageSeen records a mailbox item as handled.
	MarkMessageSeen(ctx context.Context, messageID string, status MailReadStatus) error

	// SetLastPoll durably records when a mailbox poll last completed, so
	// staleness monitoring survives a restart.
	SetLastPoll(ctx context.Context, at time.Time) error

	// LastPoll returns when the last mailbox poll completed, zero before
	// the first ever poll.
	LastPoll(ctx context.Context) (time.Time, error)

	// === Run-number sequence ===

	// AllocateRunNumber atomically increments and returns the next run
	// number. Returns model.ErrRunNumberExhausted at the ceiling
	// instead of wrapping.
	AllocateRunNumber(ctx context.Context) (int64, error)

	// AcknowledgeRunNumber raises the acknowledged high-water mark to
	// runNumber if it is higher; lower or equal values are a no-op.
	AcknowledgeRunNumber(ctx context.Context, runNumber int64) error

	// RunNumbers returns the highest issued and highest acknowledged
	// run numbers.
	RunNumbers(ctx context.Context) (issued, acknowledged int64, err error)
}
