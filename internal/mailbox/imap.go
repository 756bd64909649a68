package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// IMAPClient wraps go-imap v2 for polling the reply mailbox. Every
// operation opens a fresh connection and logs out when done, so a
// wedged session never outlives one poll.
type IMAPClient struct {
	host     string
	port     int
	security string
	username string
	password string
	inbox    string
	archive  string
}

// NewIMAPClient creates a new IMAP client configuration. security is
// "tls" for an implicit TLS connection or "starttls" for an upgrade.
// archive may be empty to leave handled messages in place.
func NewIMAPClient(
	host string, port int,
	security, username, password string,
	inbox, archive string,
) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		security: security,
		username: username,
		password: password,
		inbox:    inbox,
		archive:  archive,
	}
}

// connect establishes a connection, authenticates, and selects the
// inbox. The caller is responsible for calling Logout on the returned
// client.
func (c *IMAPClient) connect(_ context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	var client *imapclient.Client
	var err error

	if c.security == "tls" {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, transient("imap dial", fmt.Errorf("connecting to %s: %w", addr, err))
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fatal("imap login", fmt.Errorf("authenticating %s: %w", c.username, err))
	}

	if _, err := client.Select(c.inbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, transient("imap select", fmt.Errorf("selecting %s: %w", c.inbox, err))
	}

	return client, nil
}

// ListUnseen returns envelopes for messages not yet marked seen,
// oldest UID first.
func (c *IMAPClient) ListUnseen(ctx context.Context) ([]Envelope, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, transient("imap search", fmt.Errorf("searching unseen: %w", err))
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSetNum(uids...)
	fetchOpts := &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return envelopes, transient("imap fetch", fmt.Errorf("fetching envelopes: %w", err))
	}

	return envelopes, nil
}

// FetchMessage fetches the full message for the given UID without
// marking it seen, and parses the MIME body into text and attachments.
func (c *IMAPClient) FetchMessage(ctx context.Context, uid uint32) (*Message, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	// Peek leaves the \Seen flag untouched; the collector sets it
	// explicitly once the reply has been handed off.
	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, transient("imap fetch", fmt.Errorf("message UID %d not found", uid))
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, transient("imap fetch", fmt.Errorf("collecting message data: %w", err))
	}

	parsed := &Message{
		Envelope: envelopeFromBuffer(buf),
	}

	rawBody := buf.FindBodySection(bodySection)
	if rawBody != nil {
		parsed.TextBody, parsed.Attachments = parseMIMEBody(rawBody)
	}

	if err := fetchCmd.Close(); err != nil {
		return parsed, transient("imap fetch", fmt.Errorf("closing fetch: %w", err))
	}

	return parsed, nil
}

// MarkSeen sets the \Seen flag on a message.
func (c *IMAPClient) MarkSeen(ctx context.Context, uid uint32) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return transient("imap store", fmt.Errorf("marking UID %d seen: %w", uid, err))
	}

	return nil
}

// Archive moves a message to the configured archive folder. A no-op
// when no archive folder is configured.
func (c *IMAPClient) Archive(ctx context.Context, uid uint32) error {
	if c.archive == "" {
		return nil
	}

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(imap.UID(uid))

	moveCmd := client.Move(uidSet, c.archive)
	if _, err := moveCmd.Wait(); err != nil {
		return transient("imap move", fmt.Errorf("moving UID %d to %s: %w", uid, c.archive, err))
	}

	return nil
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		env.MessageID = CanonicalMessageID(buf.Envelope.MessageID)
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			env.From = buf.Envelope.From[0].Addr()
		}
	}

	if env.MessageID == "" {
		env.MessageID = FallbackMessageID(env.UID, env.Date)
	}

	return env
}

// parseMIMEBody parses a raw RFC 2822 message using go-message and
// extracts the text/plain body and full attachment contents.
func parseMIMEBody(raw []byte) (textBody string, attachments []Attachment) {
	reader := bytes.NewReader(raw)

	mr, err := mail.CreateReader(reader)
	if err != nil {
		// If parsing fails, try treating the whole thing as plain text.
		return string(raw), nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if strings.HasPrefix(contentType, "text/plain") {
				textBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, Attachment{
				Filename: filename,
				MIMEType: contentType,
				Data:     body,
			})
		}
	}

	return textBody, attachments
}
