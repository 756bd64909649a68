package model

import "time"

// Action identifies what HMRC should do with a licence usage record.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionCancel Action = "cancel"
)

// Valid reports whether a is one of the known action types.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionCancel:
		return true
	}
	return false
}

// RecordState is the processing state of a licence usage record.
type RecordState string

const (
	// StatePending means the record has been queued by LITE and not yet
	// included in an outbound batch.
	StatePending RecordState = "pending"

	// StateSent means the record is part of a batch that has been built
	// and handed to the mail transport.
	StateSent RecordState = "sent"

	// StateAccepted means HMRC acknowledged the record.
	StateAccepted RecordState = "accepted"

	// StateRejected means HMRC explicitly rejected the record.
	StateRejected RecordState = "rejected"

	// StateFailed means the batch carrying the record exhausted its
	// delivery attempts without an acknowledgement.
	StateFailed RecordState = "failed"
)

// Terminal reports whether s is an end state that LITE is notified about.
func (s RecordState) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateFailed:
		return true
	}
	return false
}

// LicenceUsage is one licence transaction to report to HMRC.
type LicenceUsage struct {
	// Reference is the licence reference, the stable identifier shared
	// with both LITE and HMRC (e.g. "GBSIEL/2024/0000123/P").
	Reference string `json:"reference"`

	// Action is what HMRC should do with the record.
	Action Action `json:"action"`

	// Quantity is the usage quantity being reported.
	Quantity float64 `json:"quantity"`

	// Value is the monetary value of the usage.
	Value float64 `json:"value"`

	// Currency is the ISO 4217 code for Value.
	Currency string `json:"currency"`

	// UsageDate is the date the usage occurred. Only the date part is
	// carried on the wire.
	UsageDate time.Time `json:"usage_date"`

	// ControlCode is the export-control classification for the goods.
	ControlCode string `json:"control_code"`

	// State is the current processing state (use State* constants).
	State RecordState `json:"state"`

	// CreatedAt is when the record entered the queue.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// OutcomeEntry is one row of the append-only outcome history kept for
// audit. Records are never deleted; every state change adds an entry.
type OutcomeEntry struct {
	Reference string      `json:"reference"`
	FromState RecordState `json:"from_state"`
	ToState   RecordState `json:"to_state"`
	Detail    string      `json:"detail"`
	MessageID string      `json:"message_id"`
	CreatedAt time.Time   `json:"created_at"`
}
