package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nhle/licence-relay/internal/model"
)

// RetryPolicy is the exponential back-off applied between dispatch
// attempts of the same batch.
type RetryPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait armed after the attempt-th send, 1-based:
// Base after the first, growing by Multiplier each time, capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	if d < float64(p.Base) {
		return p.Base
	}
	return time.Duration(d)
}

// Exhauster terminally fails batches that are out of attempts.
// Implemented by the reconciliation engine, which also owns the
// resulting record transitions and notifications.
type Exhauster interface {
	Exhaust(ctx context.Context, runNumber int64, detail string) error
}

// Scheduler drives the dispatch cycle on a fixed interval. All state
// it acts on is durable: attempt counts and next-attempt times live in
// the store, so a restart resumes the correct back-off position.
type Scheduler struct {
	store      Store
	dispatcher *Dispatcher
	exhauster  Exhauster
	policy     RetryPolicy
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	triggerCh  chan struct{}
}

// NewScheduler wires a Scheduler around a Dispatcher.
func NewScheduler(
	store Store,
	dispatcher *Dispatcher,
	exhauster Exhauster,
	policy RetryPolicy,
	interval, timeout time.Duration,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		exhauster:  exhauster,
		policy:     policy,
		interval:   interval,
		timeout:    timeout,
		logger:     logger,
		triggerCh:  make(chan struct{}, 1),
	}
}

// Run executes dispatch cycles until ctx is cancelled: one immediately,
// then on every tick or trigger.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.triggerCh:
			s.cycle(ctx)
		}
	}
}

// Trigger requests an immediate cycle without blocking. Used when new
// records arrive so they do not wait out the interval.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) cycle(parent context.Context) {
	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}

	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("dispatch cycle failed", "error", err)
	}
}

// RunOnce performs one dispatch cycle: assemble a new batch when the
// slot is free, then attempt every due batch. Batches out of attempts
// are handed to the exhauster instead of being sent again.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if _, err := s.dispatcher.BuildBatch(ctx); err != nil {
		if errors.Is(err, model.ErrRunNumberExhausted) {
			s.logger.Error("run number sequence exhausted, no new batches can be built",
				"alert", true, "error", err)
		} else {
			s.logger.Error("assembling batch", "error", err)
		}
		// Due batches already hold their numbers; keep retrying them.
	}

	due, err := s.store.DueBatches(ctx, time.Now().UTC(), 0)
	if err != nil {
		return fmt.Errorf("scanning due batches: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b := &due[i]
		if b.Attempts >= s.policy.MaxAttempts {
			detail := fmt.Sprintf("gave up after %d dispatch attempts", b.Attempts)
			if err := s.exhauster.Exhaust(ctx, b.RunNumber, detail); err != nil {
				s.logger.Error("exhausting batch",
					"run_number", b.RunNumber, "error", err)
			}
			continue
		}

		// Dispatch classifies and logs its own failures; a transient
		// error leaves the batch armed for the next due scan.
		_ = s.dispatcher.Dispatch(ctx, b)
	}

	return nil
}
