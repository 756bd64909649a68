package model

import "time"

// BatchStatus is the delivery state of an outbound batch.
type BatchStatus string

const (
	// BatchQueued means the batch has a run number but no dispatch
	// attempt has been made yet.
	BatchQueued BatchStatus = "queued"

	// BatchDispatched means at least one dispatch attempt has started;
	// the batch stays here until acknowledged or exhausted.
	BatchDispatched BatchStatus = "dispatched"

	// BatchAcknowledged means a structurally valid reply for the batch
	// was reconciled. Terminal.
	BatchAcknowledged BatchStatus = "acknowledged"

	// BatchExhausted means the batch used up its delivery attempts
	// without acknowledgement. Terminal.
	BatchExhausted BatchStatus = "exhausted"
)

// Terminal reports whether s is an end state for a batch.
func (s BatchStatus) Terminal() bool {
	return s == BatchAcknowledged || s == BatchExhausted
}

// Batch is a group of licence usage records sent together in one mail
// message under a single run number.
type Batch struct {
	// RunNumber is the strictly increasing sequence number correlating
	// the batch with its eventual reply. Once assigned it is never
	// reused, even when the batch fails permanently.
	RunNumber int64 `json:"run_number"`

	// Status is the delivery state (use Batch* constants).
	Status BatchStatus `json:"status"`

	// CreatedAt is stamped exactly once when the batch is built. The
	// attachment filename and file header reuse it on every dispatch so
	// retries produce identical bytes.
	CreatedAt time.Time `json:"created_at"`

	// Attempts counts dispatch attempts, including ones that failed in
	// the transport before the mail left.
	Attempts int `json:"attempts"`

	// LastAttemptAt is when the most recent attempt started, nil before
	// the first attempt.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt is when the batch next becomes due for dispatch.
	// Nil means the batch is held and excluded from the retry scan
	// (fatal transport failure awaiting operator intervention).
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// References lists the member licence references in wire order.
	References []string `json:"references"`
}
