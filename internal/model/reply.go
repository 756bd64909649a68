package model

import "time"

// ReplyKind classifies a decoded inbound reply as a whole.
type ReplyKind string

const (
	// ReplyAccepted means every outcome line accepted its licence.
	ReplyAccepted ReplyKind = "accepted"

	// ReplyRejected means every outcome line rejected its licence.
	ReplyRejected ReplyKind = "rejected"

	// ReplyPartial means the reply mixes accepted and rejected lines.
	ReplyPartial ReplyKind = "partial"

	// ReplyMalformed means the attachment failed structural validation.
	// The raw bytes are retained but no outcome is ever applied from it.
	ReplyMalformed ReplyKind = "malformed"
)

// ReplyOutcome is one per-licence outcome line from a reply.
type ReplyOutcome struct {
	// Reference is the licence reference the line refers to.
	Reference string `json:"reference"`

	// Accepted is true for an accepted line, false for a rejected one.
	Accepted bool `json:"accepted"`

	// Code is the authority's rejection code, empty when accepted.
	Code string `json:"code,omitempty"`

	// Detail is the authority's rejection message, empty when accepted.
	Detail string `json:"detail,omitempty"`
}

// Reply is a received, decoded mail message from the authority. It is
// immutable after creation and retained for audit.
type Reply struct {
	// MessageID is the raw mail identifier (RFC 5322 Message-ID without
	// angle brackets). It is the idempotency key: a reply seen twice is
	// applied once.
	MessageID string `json:"message_id"`

	// RunNumber is the outbound batch the reply refers to, taken from
	// the decoded file header.
	RunNumber int64 `json:"run_number"`

	// Kind classifies the reply (use Reply* constants).
	Kind ReplyKind `json:"kind"`

	// Outcomes holds the per-licence lines, empty for malformed replies.
	Outcomes []ReplyOutcome `json:"outcomes,omitempty"`

	// Raw preserves the attachment bytes exactly as received, also for
	// malformed replies, so operators can inspect them.
	Raw []byte `json:"-"`

	// ReceivedAt is when the collector fetched the message.
	ReceivedAt time.Time `json:"received_at"`
}

// ClassifyOutcomes derives the reply kind from a set of outcome lines.
func ClassifyOutcomes(outcomes []ReplyOutcome) ReplyKind {
	accepted, rejected := 0, 0
	for _, o := range outcomes {
		if o.Accepted {
			accepted++
		} else {
			rejected++
		}
	}
	switch {
	case rejected == 0:
		return ReplyAccepted
	case accepted == 0:
		return ReplyRejected
	default:
		return ReplyPartial
	}
}
