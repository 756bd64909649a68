// Package reconcile settles dispatched batches against the replies the
// customs authority sends back, and terminally fails batches the
// dispatcher has given up on. It is the only place records leave the
// sent state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nhle/licence-relay/internal/callback"
	"github.com/nhle/licence-relay/internal/edifact"
	"github.com/nhle/licence-relay/internal/mailbox"
	"github.com/nhle/licence-relay/internal/model"
	"github.com/nhle/licence-relay/internal/store"
)

// Store is the durable state the engine reconciles against.
type Store interface {
	BatchByRunNumber(ctx context.Context, runNumber int64) (*model.Batch, error)
	ApplyReply(ctx context.Context, app store.ReplyApplication) (bool, error)
	RecordReply(ctx context.Context, reply model.Reply) (bool, error)
	ExhaustBatch(ctx context.Context, runNumber int64, detail string) ([]string, error)
}

// Tracker records which run numbers the authority has acknowledged.
type Tracker interface {
	Acknowledge(ctx context.Context, runNumber int64) error
}

// Notifier delivers terminal outcomes to the licensing system.
type Notifier interface {
	Notify(ctx context.Context, o callback.Outcome) error
}

// Sender submits operator notice mail.
type Sender interface {
	Send(ctx context.Context, m mailbox.OutboundMail) error
}

// Engine applies replies to batches. A reply either settles its whole
// batch in one transaction or changes nothing; there is no partially
// reconciled state to recover from.
type Engine struct {
	store    Store
	tracker  Tracker
	notifier Notifier
	sender   Sender
	from     string
	operator string
	logger   *slog.Logger
}

// NewEngine wires an Engine. operator may be empty, in which case no
// notice mail is sent.
func NewEngine(
	st Store,
	tracker Tracker,
	notifier Notifier,
	sender Sender,
	from, operator string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		sender:   sender,
		from:     from,
		operator: operator,
		logger:   logger,
	}
}

// OnReply reconciles one decoded reply file against its batch.
//
// A reply that does not line up with a live batch, or whose outcomes do
// not cover exactly the batch's members, is recorded for audit and
// otherwise ignored; the batch stays armed for retry. A reply seen
// before is discarded without re-applying its effects. Only a clean
// match commits: record transitions, outcome history, batch settlement
// and the reply row land in a single transaction.
func (e *Engine) OnReply(ctx context.Context, reply model.Reply) error {
	log := e.logger.With(
		"run_number", reply.RunNumber,
		"message_id", reply.MessageID,
	)

	batch, err := e.store.BatchByRunNumber(ctx, reply.RunNumber)
	if errors.Is(err, model.ErrBatchNotFound) {
		if _, err := e.store.RecordReply(ctx, reply); err != nil {
			return fmt.Errorf("recording unmatched reply: %w", err)
		}
		log.Warn("reply does not match any batch, recorded for audit")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading batch for reply: %w", err)
	}

	if batch.Status.Terminal() {
		if _, err := e.store.RecordReply(ctx, reply); err != nil {
			return fmt.Errorf("recording late reply: %w", err)
		}
		log.Warn("reply for settled batch, recorded for audit",
			"batch_status", batch.Status)
		return nil
	}

	if missing, extra := coverageGaps(batch.References, reply.Outcomes); len(missing) > 0 || len(extra) > 0 {
		if _, err := e.store.RecordReply(ctx, reply); err != nil {
			return fmt.Errorf("recording mismatched reply: %w", err)
		}
		log.Error("reply does not cover the batch it names, batch left for retry",
			"missing", missing,
			"unexpected", extra)
		return nil
	}

	applied, err := e.store.ApplyReply(ctx, store.ReplyApplication{
		Reply:       reply,
		Transitions: buildTransitions(reply.Outcomes),
		BatchStatus: model.BatchAcknowledged,
	})
	if err != nil {
		return fmt.Errorf("applying reply: %w", err)
	}
	if !applied {
		log.Debug("reply already processed, discarding duplicate")
		return nil
	}

	// The acknowledged mark is informational. Losing it costs nothing
	// but log fidelity, so a failure here never unwinds the reply.
	if err := e.tracker.Acknowledge(ctx, reply.RunNumber); err != nil {
		log.Warn("recording acknowledged run number", "error", err)
	}

	accepted, rejected := 0, 0
	for _, o := range reply.Outcomes {
		state := model.StateAccepted
		if o.Accepted {
			accepted++
		} else {
			rejected++
			state = model.StateRejected
		}
		e.deliverOutcome(ctx, log, o.Reference, state, outcomeDetail(o))
	}

	log.Info("batch reconciled",
		"kind", reply.Kind,
		"accepted", accepted,
		"rejected", rejected)

	if rejected > 0 {
		e.sendRejectionNotice(ctx, log, reply)
	}
	return nil
}

// Exhaust terminally fails a batch that is out of dispatch attempts.
// It is idempotent: a batch already settled or exhausted is left alone.
func (e *Engine) Exhaust(ctx context.Context, runNumber int64, detail string) error {
	refs, err := e.store.ExhaustBatch(ctx, runNumber, detail)
	if err != nil {
		return fmt.Errorf("exhausting batch %d: %w", runNumber, err)
	}
	if len(refs) == 0 {
		return nil
	}

	log := e.logger.With("run_number", runNumber)
	log.Error("batch exhausted, operator intervention required",
		"alert", true,
		"records", len(refs),
		"detail", detail)

	for _, ref := range refs {
		e.deliverOutcome(ctx, log, ref, model.StateFailed, detail)
	}

	e.sendExhaustionNotice(ctx, log, runNumber, refs, detail)
	return nil
}

// deliverOutcome posts one terminal outcome to the licensing system.
// Reconciliation has already committed, so delivery failures are logged
// and the outcome history remains the source of truth.
func (e *Engine) deliverOutcome(
	ctx context.Context,
	log *slog.Logger,
	reference string,
	state model.RecordState,
	detail string,
) {
	err := e.notifier.Notify(ctx, callback.Outcome{
		LicenceReference: reference,
		Outcome:          string(state),
		Detail:           detail,
	})
	if err != nil {
		log.Warn("delivering outcome callback",
			"reference", reference,
			"error", err)
	}
}

func (e *Engine) sendRejectionNotice(
	ctx context.Context,
	log *slog.Logger,
	reply model.Reply,
) {
	if e.operator == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %d was reconciled with rejections.\n\n", reply.RunNumber)
	for _, o := range reply.Outcomes {
		if o.Accepted {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", o.Reference, outcomeDetail(o))
	}
	b.WriteString("\nRejected records will not be resubmitted automatically.\n")

	e.sendNotice(ctx, log, mailbox.OutboundMail{
		From:    e.from,
		To:      e.operator,
		Subject: fmt.Sprintf("%s rejections", edifact.Subject(reply.RunNumber)),
		Body:    b.String(),
	})
}

func (e *Engine) sendExhaustionNotice(
	ctx context.Context,
	log *slog.Logger,
	runNumber int64,
	refs []string,
	detail string,
) {
	if e.operator == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %d could not be delivered: %s.\n\n", runNumber, detail)
	b.WriteString("The following records were marked failed:\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "  %s\n", ref)
	}
	b.WriteString("\nNo further dispatch attempts will be made for this run.\n")

	e.sendNotice(ctx, log, mailbox.OutboundMail{
		From:    e.from,
		To:      e.operator,
		Subject: fmt.Sprintf("%s undeliverable", edifact.Subject(runNumber)),
		Body:    b.String(),
	})
}

func (e *Engine) sendNotice(
	ctx context.Context,
	log *slog.Logger,
	m mailbox.OutboundMail,
) {
	if err := e.sender.Send(ctx, m); err != nil {
		log.Warn("sending operator notice", "error", err)
		return
	}
	log.Info("operator notice sent", "to", m.To)
}

// coverageGaps compares the batch member set against the references a
// reply addresses. Both slices come back sorted by first appearance.
func coverageGaps(
	members []string,
	outcomes []model.ReplyOutcome,
) (missing, extra []string) {
	inBatch := make(map[string]bool, len(members))
	for _, ref := range members {
		inBatch[ref] = true
	}

	covered := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if !inBatch[o.Reference] && !covered[o.Reference] {
			extra = append(extra, o.Reference)
		}
		covered[o.Reference] = true
	}

	for _, ref := range members {
		if !covered[ref] {
			missing = append(missing, ref)
		}
	}
	return missing, extra
}

// buildTransitions maps reply outcomes onto record state changes.
func buildTransitions(outcomes []model.ReplyOutcome) []store.RecordTransition {
	transitions := make([]store.RecordTransition, 0, len(outcomes))
	for _, o := range outcomes {
		t := store.RecordTransition{
			Reference: o.Reference,
			To:        model.StateAccepted,
		}
		if !o.Accepted {
			t.To = model.StateRejected
			t.Detail = outcomeDetail(o)
		}
		transitions = append(transitions, t)
	}
	return transitions
}

// outcomeDetail renders the authority's code and message as one line.
func outcomeDetail(o model.ReplyOutcome) string {
	switch {
	case o.Accepted:
		return ""
	case o.Code != "" && o.Detail != "":
		return fmt.Sprintf("%s: %s", o.Code, o.Detail)
	case o.Code != "":
		return o.Code
	default:
		return o.Detail
	}
}
