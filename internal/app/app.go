// Package app assembles the relay from its parts and supervises the
// long-running workers: the dispatch scheduler, the inbound collector
// and the ops endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/licence-relay/internal/callback"
	"github.com/nhle/licence-relay/internal/collect"
	"github.com/nhle/licence-relay/internal/config"
	"github.com/nhle/licence-relay/internal/credential"
	"github.com/nhle/licence-relay/internal/dispatch"
	"github.com/nhle/licence-relay/internal/mailbox"
	"github.com/nhle/licence-relay/internal/model"
	"github.com/nhle/licence-relay/internal/ops"
	"github.com/nhle/licence-relay/internal/reconcile"
	"github.com/nhle/licence-relay/internal/sequence"
	"github.com/nhle/licence-relay/internal/store"
)

// App is a fully wired relay instance.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	tracker   *sequence.Tracker
	scheduler *dispatch.Scheduler
	collector *collect.Collector
	ops       *ops.Server
}

// NewLogger builds the process-wide JSON logger and installs it as the
// slog default.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("service", "licence-relay")
	slog.SetDefault(logger)
	return logger
}

// New wires an App from configuration. Secrets resolve through the
// system keyring with environment fallback; the store file and its
// directory are created on first use.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	imapPassword, err := credential.Get(credential.KeyIMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("resolving IMAP password: %w", err)
	}
	smtpPassword, err := credential.Get(credential.KeySMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("resolving SMTP password: %w", err)
	}

	var signingSecret string
	if cfg.Callback.URL != "" {
		signingSecret, err = credential.Get(credential.KeyCallbackSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving callback signing secret: %w", err)
		}
	}

	st, err := openStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	ioTimeout := seconds(cfg.Engine.IOTimeoutSec)
	pollInterval := seconds(cfg.Engine.PollIntervalSec)
	dispatchInterval := seconds(cfg.Engine.DispatchIntervalSec)

	imapClient := mailbox.NewIMAPClient(
		cfg.Mailbox.IMAPHost, cfg.Mailbox.IMAPPort,
		cfg.Mailbox.IMAPSecurity, cfg.Mailbox.IMAPUsername, imapPassword,
		cfg.Mailbox.Inbox, cfg.Mailbox.ArchiveFolder,
	)
	smtpSender := mailbox.NewSMTPSender(
		cfg.Mailbox.SMTPHost, cfg.Mailbox.SMTPPort,
		cfg.Mailbox.SMTPSecurity, cfg.Mailbox.SMTPUsername, smtpPassword,
		ioTimeout,
	)

	tracker := sequence.NewTracker(st)

	policy := dispatch.RetryPolicy{
		Base:        seconds(cfg.Retry.BaseDelaySec),
		Multiplier:  cfg.Retry.Multiplier,
		Max:         seconds(cfg.Retry.MaxDelaySec),
		MaxAttempts: cfg.Retry.MaxAttempts,
	}

	dispatcher := dispatch.NewDispatcher(
		st, tracker, smtpSender, policy, logger,
		cfg.Addresses.Sender, cfg.Addresses.Authority,
		cfg.Engine.MaxInFlight, cfg.Engine.BatchLimit,
	)

	signer := callback.NewSigner(
		cfg.Callback.KeyID,
		[]byte(signingSecret),
		seconds(cfg.Callback.ValidityWindowSec),
	)
	notifier := callback.NewNotifier(
		cfg.Callback.URL, signer,
		seconds(cfg.Callback.TimeoutSec),
		cfg.Callback.MaxAttempts,
		logger,
	)

	engine := reconcile.NewEngine(
		st, tracker, notifier, smtpSender,
		cfg.Addresses.Sender, cfg.Addresses.Operator,
		logger,
	)

	scheduler := dispatch.NewScheduler(
		st, dispatcher, engine, policy,
		dispatchInterval, dispatchInterval,
		logger,
	)

	// Replies are accepted from the configured sender list, or from the
	// authority address itself when none is configured.
	allowFrom := cfg.Addresses.ReplyFrom
	if len(allowFrom) == 0 {
		allowFrom = []string{cfg.Addresses.Authority}
	}

	collector := collect.NewCollector(
		st, imapClient,
		settleTrigger{Engine: engine, scheduler: scheduler},
		allowFrom,
		pollInterval, pollInterval,
		logger,
	)

	opsServer := ops.NewServer(
		cfg.Ops.ListenAddr,
		st, tracker, collector,
		pollInterval, logger,
	)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		tracker:   tracker,
		scheduler: scheduler,
		collector: collector,
		ops:       opsServer,
	}, nil
}

// Run recovers startup state and runs all workers until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	// Held batches stay held across restarts on purpose; starting the
	// daemon is the operator intervention that re-arms them.
	rearmed, err := a.store.RearmHeldBatches(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("re-arming held batches: %w", err)
	}
	if rearmed > 0 {
		a.logger.Info("re-armed held batches", "count", rearmed)
	}

	issued, acknowledged, err := a.tracker.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("reading run numbers: %w", err)
	}
	a.logger.Info("relay starting",
		"issued_run_number", issued,
		"acknowledged_run_number", acknowledged)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(func() error { return a.collector.Run(ctx) })
	g.Go(func() error { return a.ops.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("relay stopped")
		return nil
	}
	return err
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// EnqueueUsage feeds records into the pending queue outside the daemon
// loop. The running daemon picks them up on its next dispatch tick;
// both processes share the store file.
func (a *App) EnqueueUsage(ctx context.Context, records []model.LicenceUsage) error {
	return a.store.EnqueueUsage(ctx, records)
}

// OpenStore opens the durable store the same way the daemon does, for
// commands that work on the database without a full App.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return openStore(cfg.Store.Path)
}

func openStore(path string) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// settleTrigger reconciles a reply and then nudges the scheduler: a
// settled batch frees the in-flight slot, so the next pending batch can
// go out without waiting for the tick.
type settleTrigger struct {
	*reconcile.Engine
	scheduler *dispatch.Scheduler
}

func (s settleTrigger) OnReply(ctx context.Context, reply model.Reply) error {
	if err := s.Engine.OnReply(ctx, reply); err != nil {
		return err
	}
	s.scheduler.Trigger()
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
