// Package collect polls the relay mailbox for authority replies and
// feeds decoded files to the reconciliation engine.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nhle/licence-relay/internal/edifact"
	"github.com/nhle/licence-relay/internal/mailbox"
	"github.com/nhle/licence-relay/internal/model"
	"github.com/nhle/licence-relay/internal/store"
)

// Store is the durable mail-handling state the collector needs.
type Store interface {
	SeenMessageIDs(ctx context.Context) (map[string]struct{}, error)
	MarkMessageSeen(ctx context.Context, messageID string, status store.MailReadStatus) error
	RecordReply(ctx context.Context, reply model.Reply) (bool, error)
	SetLastPoll(ctx context.Context, at time.Time) error
	LastPoll(ctx context.Context) (time.Time, error)
}

// Mailbox is the inbound half of the relay mailbox.
type Mailbox interface {
	ListUnseen(ctx context.Context) ([]mailbox.Envelope, error)
	FetchMessage(ctx context.Context, uid uint32) (*mailbox.Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Archive(ctx context.Context, uid uint32) error
}

// Handler reconciles decoded replies. Implemented by reconcile.Engine.
type Handler interface {
	OnReply(ctx context.Context, reply model.Reply) error
}

// Collector drives inbound mail processing. Its idempotency gate is the
// store, not the mailbox: a message is handled at most once per mail
// identifier even if the \Seen flag never sticks.
type Collector struct {
	store    Store
	mailbox  Mailbox
	handler  Handler
	allow    map[string]bool
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastPoll time.Time
}

// NewCollector wires a Collector. allowFrom lists the sender addresses
// accepted as the authority; an empty list accepts any sender.
func NewCollector(
	st Store,
	mb Mailbox,
	handler Handler,
	allowFrom []string,
	interval, timeout time.Duration,
	logger *slog.Logger,
) *Collector {
	allow := make(map[string]bool, len(allowFrom))
	for _, addr := range allowFrom {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			allow[addr] = true
		}
	}
	return &Collector{
		store:    st,
		mailbox:  mb,
		handler:  handler,
		allow:    allow,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run polls the mailbox until ctx is cancelled: once immediately, then
// on every interval tick.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.restoreCheckpoint(ctx)
	c.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Collector) poll(parent context.Context) {
	ctx := parent
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.timeout)
		defer cancel()
	}

	if err := c.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if mailbox.IsFatal(err) {
			c.logger.Error("mailbox poll failed, credentials or configuration need attention",
				"alert", true, "error", err)
			return
		}
		c.logger.Warn("mailbox poll failed", "error", err)
	}
}

// PollOnce lists unseen messages and processes each one to a terminal
// decision: reconciled, recorded as unprocessable, or skipped. Errors
// on a single message never abort the rest of the poll.
func (c *Collector) PollOnce(ctx context.Context) error {
	envelopes, err := c.mailbox.ListUnseen(ctx)
	if err != nil {
		return fmt.Errorf("listing unseen messages: %w", err)
	}
	c.recordPoll(ctx)

	if len(envelopes) == 0 {
		return nil
	}

	seen, err := c.store.SeenMessageIDs(ctx)
	if err != nil {
		return fmt.Errorf("loading handled message ids: %w", err)
	}

	for _, env := range envelopes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.processMessage(ctx, env, seen)
	}
	return nil
}

// LastPoll reports when the mailbox was last listed successfully. The
// ops healthcheck uses it to flag a stalled collector.
func (c *Collector) LastPoll() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPoll
}

// recordPoll advances the poll checkpoint in memory and in the store.
// A checkpoint write failure is not a poll failure.
func (c *Collector) recordPoll(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastPoll = now
	c.mu.Unlock()

	if err := c.store.SetLastPoll(ctx, now); err != nil {
		c.logger.Warn("recording poll checkpoint", "error", err)
	}
}

// restoreCheckpoint reloads the poll time persisted by an earlier run,
// so a restart does not reset mailbox staleness monitoring.
func (c *Collector) restoreCheckpoint(ctx context.Context) {
	at, err := c.store.LastPoll(ctx)
	if err != nil {
		c.logger.Warn("restoring poll checkpoint", "error", err)
		return
	}
	if at.IsZero() {
		return
	}

	c.mu.Lock()
	if c.lastPoll.IsZero() {
		c.lastPoll = at
	}
	c.mu.Unlock()
}

func (c *Collector) processMessage(
	ctx context.Context,
	env mailbox.Envelope,
	seen map[string]struct{},
) {
	log := c.logger.With(
		"message_id", env.MessageID,
		"uid", env.UID,
		"from", env.From,
	)

	if _, done := seen[env.MessageID]; done {
		// Handled on an earlier poll but the mailbox flag did not
		// stick. Re-flag it so it stops showing up; the store gate
		// already prevents reprocessing.
		c.flagHandled(ctx, log, env.UID)
		return
	}

	if len(c.allow) > 0 && !c.allow[strings.ToLower(env.From)] {
		// Not the authority. Leave the message untouched in the
		// mailbox for a human, but remember it so every later poll
		// does not re-announce it.
		if err := c.store.MarkMessageSeen(ctx, env.MessageID, store.MailRead); err != nil {
			log.Warn("recording foreign message", "error", err)
			return
		}
		log.Info("ignoring message from unexpected sender")
		return
	}

	msg, err := c.mailbox.FetchMessage(ctx, env.UID)
	if err != nil {
		log.Warn("fetching message", "error", err)
		return
	}

	payload, name := replyPayload(msg)
	if payload == nil {
		c.markUnprocessable(ctx, log, env, nil, "no licence reply payload found")
		return
	}

	file, err := edifact.DecodeReply(payload)
	if err != nil {
		c.markUnprocessable(ctx, log, env, payload, err.Error())
		return
	}

	reply := model.Reply{
		MessageID:  env.MessageID,
		RunNumber:  file.RunNumber,
		Kind:       model.ClassifyOutcomes(file.Outcomes),
		Outcomes:   file.Outcomes,
		Raw:        payload,
		ReceivedAt: time.Now().UTC(),
	}

	log.Info("reply received",
		"run_number", reply.RunNumber,
		"kind", reply.Kind,
		"outcomes", len(reply.Outcomes),
		"attachment", name)

	if err := c.handler.OnReply(ctx, reply); err != nil {
		// Leave the message unseen; the next poll retries it.
		log.Error("reconciling reply", "error", err)
		return
	}

	if err := c.store.MarkMessageSeen(ctx, env.MessageID, store.MailRead); err != nil {
		log.Warn("recording handled message", "error", err)
		return
	}
	seen[env.MessageID] = struct{}{}

	c.flagHandled(ctx, log, env.UID)
}

// markUnprocessable records a message the relay will never act on. The
// mailbox flags are left alone so the message stays visible for manual
// inspection; the store entry keeps later polls from refetching it.
func (c *Collector) markUnprocessable(
	ctx context.Context,
	log *slog.Logger,
	env mailbox.Envelope,
	payload []byte,
	reason string,
) {
	runNumber, _ := edifact.ParseSubject(env.Subject)

	audit := model.Reply{
		MessageID:  env.MessageID,
		RunNumber:  runNumber,
		Kind:       model.ReplyMalformed,
		Raw:        payload,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := c.store.RecordReply(ctx, audit); err != nil {
		log.Warn("recording unprocessable reply", "error", err)
		return
	}

	if err := c.store.MarkMessageSeen(ctx, env.MessageID, store.MailUnprocessable); err != nil {
		log.Warn("recording unprocessable message", "error", err)
		return
	}

	log.Error("reply unprocessable, kept in mailbox for inspection",
		"reason", reason)
}

func (c *Collector) flagHandled(ctx context.Context, log *slog.Logger, uid uint32) {
	if err := c.mailbox.MarkSeen(ctx, uid); err != nil {
		log.Warn("flagging message seen", "error", err)
		return
	}
	if err := c.mailbox.Archive(ctx, uid); err != nil {
		log.Warn("archiving message", "error", err)
	}
}

// replyPayload picks the flat-file bytes out of a message: the first
// attachment named like a licence file, then any .txt attachment, then
// a body that itself starts with a file header. Some gateways inline
// small attachments, hence the body fallback.
func replyPayload(msg *mailbox.Message) ([]byte, string) {
	for _, att := range msg.Attachments {
		upper := strings.ToUpper(att.Filename)
		if strings.Contains(upper, "LICENCE") && len(att.Data) > 0 {
			return att.Data, att.Filename
		}
	}
	for _, att := range msg.Attachments {
		if strings.HasSuffix(strings.ToLower(att.Filename), ".txt") && len(att.Data) > 0 {
			return att.Data, att.Filename
		}
	}

	body := strings.TrimSpace(msg.TextBody)
	if strings.HasPrefix(body, "1\\fileHeader\\") {
		return []byte(msg.TextBody), ""
	}
	return nil, ""
}
