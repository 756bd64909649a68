package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nhle/licence-relay/internal/edifact"
	"github.com/nhle/licence-relay/internal/mailbox"
	"github.com/nhle/licence-relay/internal/model"
)

var testPolicy = RetryPolicy{
	Base:        time.Minute,
	Multiplier:  2,
	Max:         time.Hour,
	MaxAttempts: 5,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dispatchRecords() []model.LicenceUsage {
	return []model.LicenceUsage{
		{
			Reference:   "LIC/A",
			Action:      model.ActionInsert,
			Quantity:    4,
			Value:       320.50,
			Currency:    "GBP",
			UsageDate:   time.Date(2026, time.February, 4, 0, 0, 0, 0, time.UTC),
			ControlCode: "ML1a",
		},
		{
			Reference:   "LIC/B",
			Action:      model.ActionUpdate,
			Quantity:    1,
			Value:       99,
			Currency:    "GBP",
			UsageDate:   time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC),
			ControlCode: "ML2",
		},
	}
}

type claim struct {
	runNumber int64
	at        time.Time
	next      time.Time
}

// fakeDispatchStore serves both dispatcher and scheduler tests. The
// shared events slice records call order across fakes.
type fakeDispatchStore struct {
	pending   []model.LicenceUsage
	inFlight  int
	due       []model.Batch
	denyClaim bool

	created []model.Batch
	claims  []claim
	held    []int64
	events  *[]string
}

func (f *fakeDispatchStore) PendingUsage(
	ctx context.Context,
	limit int,
) ([]model.LicenceUsage, error) {
	if limit > 0 && len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeDispatchStore) BatchesInFlight(ctx context.Context) (int, error) {
	return f.inFlight, nil
}

func (f *fakeDispatchStore) CreateBatch(ctx context.Context, batch model.Batch) error {
	f.created = append(f.created, batch)
	return nil
}

func (f *fakeDispatchStore) UsageByReference(
	ctx context.Context,
	reference string,
) (*model.LicenceUsage, error) {
	for i := range f.pending {
		if f.pending[i].Reference == reference {
			r := f.pending[i]
			return &r, nil
		}
	}
	return nil, model.ErrRecordNotFound
}

func (f *fakeDispatchStore) DueBatches(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]model.Batch, error) {
	return f.due, nil
}

func (f *fakeDispatchStore) MarkAttempt(
	ctx context.Context,
	runNumber int64,
	at, next time.Time,
) (bool, error) {
	if f.denyClaim {
		return false, nil
	}
	f.claims = append(f.claims, claim{runNumber: runNumber, at: at, next: next})
	if f.events != nil {
		*f.events = append(*f.events, "claim")
	}
	return true, nil
}

func (f *fakeDispatchStore) HoldBatch(ctx context.Context, runNumber int64) error {
	f.held = append(f.held, runNumber)
	return nil
}

type fakeSequence struct {
	next  int64
	err   error
	calls int
}

func (f *fakeSequence) Next(ctx context.Context) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}

type fakeSender struct {
	sent   []mailbox.OutboundMail
	err    error
	events *[]string
}

func (f *fakeSender) Send(ctx context.Context, m mailbox.OutboundMail) error {
	if f.events != nil {
		*f.events = append(*f.events, "send")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

type fakeExhauster struct {
	exhausted []int64
	details   []string
}

func (f *fakeExhauster) Exhaust(ctx context.Context, runNumber int64, detail string) error {
	f.exhausted = append(f.exhausted, runNumber)
	f.details = append(f.details, detail)
	return nil
}

func TestRetryPolicyDelay(t *testing.T) {
	cases := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first attempt", testPolicy, 1, time.Minute},
		{"second attempt", testPolicy, 2, 2 * time.Minute},
		{"third attempt", testPolicy, 3, 4 * time.Minute},
		{"capped at max", testPolicy, 10, time.Hour},
		{"overflow still capped", testPolicy, 500, time.Hour},
		{"zero attempt treated as first", testPolicy, 0, time.Minute},
		{
			"shrinking multiplier floors at base",
			RetryPolicy{Base: time.Minute, Multiplier: 0.5, Max: time.Hour},
			3,
			time.Minute,
		},
		{
			"no cap",
			RetryPolicy{Base: time.Minute, Multiplier: 2},
			5,
			16 * time.Minute,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Delay(tc.attempt); got != tc.want {
				t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestBuildBatchAssemblesPending(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords()}
	seq := &fakeSequence{}
	d := NewDispatcher(store, seq, &fakeSender{}, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	b, err := d.BuildBatch(context.Background())
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	if b == nil {
		t.Fatalf("no batch built")
	}

	if b.RunNumber != 1 {
		t.Errorf("run number = %d, want 1", b.RunNumber)
	}
	if b.Status != model.BatchQueued {
		t.Errorf("status = %s, want %s", b.Status, model.BatchQueued)
	}
	if len(b.References) != 2 || b.References[0] != "LIC/A" || b.References[1] != "LIC/B" {
		t.Errorf("references = %v", b.References)
	}
	if b.CreatedAt.IsZero() {
		t.Errorf("created at not stamped")
	}
	if b.NextAttemptAt == nil || !b.NextAttemptAt.Equal(b.CreatedAt) {
		t.Errorf("next attempt = %v, want due immediately", b.NextAttemptAt)
	}
	if len(store.created) != 1 {
		t.Errorf("persisted %d batches, want 1", len(store.created))
	}
}

func TestBuildBatchHonorsInFlightCap(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords(), inFlight: 1}
	seq := &fakeSequence{}
	d := NewDispatcher(store, seq, &fakeSender{}, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	b, err := d.BuildBatch(context.Background())
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	if b != nil {
		t.Fatalf("batch built past the in-flight cap: %+v", b)
	}
	// No run number may be burned while the slot is busy.
	if seq.calls != 0 {
		t.Errorf("sequence consulted %d times, want 0", seq.calls)
	}
}

func TestBuildBatchNothingPending(t *testing.T) {
	store := &fakeDispatchStore{}
	seq := &fakeSequence{}
	d := NewDispatcher(store, seq, &fakeSender{}, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	b, err := d.BuildBatch(context.Background())
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	if b != nil || seq.calls != 0 {
		t.Errorf("built %+v with %d sequence calls, want none", b, seq.calls)
	}
}

func TestBuildBatchSequenceExhausted(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords()}
	seq := &fakeSequence{err: model.ErrRunNumberExhausted}
	d := NewDispatcher(store, seq, &fakeSender{}, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	_, err := d.BuildBatch(context.Background())
	if !errors.Is(err, model.ErrRunNumberExhausted) {
		t.Fatalf("error = %v, want ErrRunNumberExhausted", err)
	}
}

func TestDispatchClaimsBeforeSending(t *testing.T) {
	var events []string
	store := &fakeDispatchStore{pending: dispatchRecords(), events: &events}
	sender := &fakeSender{events: &events}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	createdAt := time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC)
	batch := model.Batch{
		RunNumber:  5,
		Status:     model.BatchQueued,
		CreatedAt:  createdAt,
		References: []string{"LIC/A", "LIC/B"},
	}

	if err := d.Dispatch(context.Background(), &batch); err != nil {
		t.Fatalf("dispatching: %v", err)
	}

	// The attempt must be durable before the SMTP conversation starts,
	// so a crash mid-send cannot replay as a fresh first attempt.
	if len(events) != 2 || events[0] != "claim" || events[1] != "send" {
		t.Fatalf("event order = %v, want [claim send]", events)
	}

	if len(store.claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(store.claims))
	}
	c := store.claims[0]
	if c.runNumber != 5 {
		t.Errorf("claimed run %d, want 5", c.runNumber)
	}
	if got := c.next.Sub(c.at); got != testPolicy.Delay(1) {
		t.Errorf("armed delay = %v, want %v", got, testPolicy.Delay(1))
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sender.sent))
	}
	m := sender.sent[0]
	if m.From != "relay@example.test" || m.To != "intake@authority.test" {
		t.Errorf("addresses = %s -> %s", m.From, m.To)
	}
	if m.Subject != "LICENCE_USAGE_5" {
		t.Errorf("subject = %q", m.Subject)
	}
	if want := edifact.FileName(5, createdAt); m.AttachmentName != want {
		t.Errorf("attachment name = %q, want %q", m.AttachmentName, want)
	}

	decoded, err := edifact.DecodeUsage(m.Attachment)
	if err != nil {
		t.Fatalf("decoding attachment: %v", err)
	}
	if decoded.RunNumber != 5 || len(decoded.Records) != 2 {
		t.Errorf("attachment = run %d with %d records", decoded.RunNumber, len(decoded.Records))
	}
}

func TestDispatchRetriesAreByteIdentical(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords()}
	sender := &fakeSender{}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	batch := model.Batch{
		RunNumber:  5,
		Status:     model.BatchQueued,
		CreatedAt:  time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC),
		References: []string{"LIC/A", "LIC/B"},
	}

	if err := d.Dispatch(context.Background(), &batch); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	batch.Attempts = 1
	if err := d.Dispatch(context.Background(), &batch); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d mails, want 2", len(sender.sent))
	}
	if !bytes.Equal(sender.sent[0].Attachment, sender.sent[1].Attachment) {
		t.Fatalf("retry produced different bytes:\n%q\nvs\n%q",
			sender.sent[0].Attachment, sender.sent[1].Attachment)
	}
}

func TestDispatchLostClaimSendsNothing(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords(), denyClaim: true}
	sender := &fakeSender{}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	batch := model.Batch{
		RunNumber:  5,
		CreatedAt:  time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC),
		References: []string{"LIC/A"},
	}

	if err := d.Dispatch(context.Background(), &batch); err != nil {
		t.Fatalf("dispatching with lost claim: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("mail sent despite lost claim")
	}
}

func TestDispatchTransientFailureLeavesBatchArmed(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords()}
	sender := &fakeSender{err: &mailbox.TransientError{
		Op:  "smtp dial",
		Err: errors.New("connection refused"),
	}}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	batch := model.Batch{
		RunNumber:  5,
		CreatedAt:  time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC),
		References: []string{"LIC/A"},
	}

	err := d.Dispatch(context.Background(), &batch)
	if !mailbox.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if len(store.held) != 0 {
		t.Fatalf("transient failure held the batch")
	}
}

func TestDispatchFatalFailureHoldsBatch(t *testing.T) {
	store := &fakeDispatchStore{pending: dispatchRecords()}
	sender := &fakeSender{err: &mailbox.FatalError{
		Op:  "smtp auth",
		Err: errors.New("535 authentication rejected"),
	}}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)

	batch := model.Batch{
		RunNumber:  5,
		CreatedAt:  time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC),
		References: []string{"LIC/A"},
	}

	err := d.Dispatch(context.Background(), &batch)
	if !mailbox.IsFatal(err) {
		t.Fatalf("error = %v, want fatal", err)
	}
	if len(store.held) != 1 || store.held[0] != 5 {
		t.Fatalf("held batches = %v, want [5]", store.held)
	}
}

func TestRunOnceExhaustsSpentBatches(t *testing.T) {
	createdAt := time.Date(2026, time.February, 5, 11, 30, 0, 0, time.UTC)
	store := &fakeDispatchStore{
		pending:  dispatchRecords(),
		inFlight: 1, // keep BuildBatch out of the way
		due: []model.Batch{
			{RunNumber: 9, Attempts: 5, CreatedAt: createdAt, References: []string{"LIC/A"}},
			{RunNumber: 10, Attempts: 1, CreatedAt: createdAt, References: []string{"LIC/B"}},
		},
	}
	sender := &fakeSender{}
	exhauster := &fakeExhauster{}
	d := NewDispatcher(store, &fakeSequence{}, sender, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)
	s := NewScheduler(store, d, exhauster, testPolicy, time.Minute, 0, testLogger())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("running cycle: %v", err)
	}

	if len(exhauster.exhausted) != 1 || exhauster.exhausted[0] != 9 {
		t.Fatalf("exhausted = %v, want [9]", exhauster.exhausted)
	}
	if !strings.Contains(exhauster.details[0], "5 dispatch attempts") {
		t.Errorf("exhaustion detail = %q", exhauster.details[0])
	}

	// The batch with attempts left is still dispatched in the same cycle.
	if len(sender.sent) != 1 || sender.sent[0].Subject != "LICENCE_USAGE_10" {
		t.Fatalf("sent = %+v, want one mail for run 10", sender.sent)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	s := NewScheduler(&fakeDispatchStore{}, nil, nil, testPolicy, time.Minute, 0, testLogger())

	s.Trigger()
	s.Trigger()
	s.Trigger()

	if len(s.triggerCh) != 1 {
		t.Fatalf("trigger channel holds %d items, want 1", len(s.triggerCh))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeDispatchStore{}
	d := NewDispatcher(store, &fakeSequence{}, &fakeSender{}, testPolicy, testLogger(),
		"relay@example.test", "intake@authority.test", 1, 50)
	s := NewScheduler(store, d, &fakeExhauster{}, testPolicy, 10*time.Millisecond, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
