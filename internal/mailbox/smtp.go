package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// SMTPSender submits outbound mail to the configured relay. Errors are
// classified: dial and conversation failures are transient, credential
// and address rejections are fatal.
type SMTPSender struct {
	host     string
	port     int
	security string
	username string
	password string
	timeout  time.Duration
}

// NewSMTPSender creates a new SMTP sender. security is "tls" for an
// implicit TLS connection or "starttls" for an upgrade. timeout bounds
// the dial and the whole SMTP conversation.
func NewSMTPSender(
	host string, port int,
	security, username, password string,
	timeout time.Duration,
) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		security: security,
		username: username,
		password: password,
		timeout:  timeout,
	}
}

// Send composes and submits one message.
func (s *SMTPSender) Send(ctx context.Context, m OutboundMail) error {
	msg, err := buildMessage(m)
	if err != nil {
		return fatal("smtp compose", err)
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := &net.Dialer{Timeout: s.timeout}

	var conn net.Conn
	if s.security == "tls" {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return transient("smtp dial", fmt.Errorf("connecting to %s: %w", addr, err))
	}

	// A stuck conversation surfaces as a timeout error instead of
	// hanging the dispatch worker.
	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return transient("smtp handshake", fmt.Errorf("creating SMTP client: %w", err))
	}
	defer client.Close()

	if s.security != "tls" {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return transient("smtp starttls", err)
		}
	}

	auth := smtp.PlainAuth("", s.username, s.password, s.host)
	if err := client.Auth(auth); err != nil {
		return fatal("smtp auth", fmt.Errorf("authenticating %s: %w", s.username, err))
	}

	if err := client.Mail(m.From); err != nil {
		return classifySMTP("smtp mail from", err)
	}
	if err := client.Rcpt(m.To); err != nil {
		return classifySMTP("smtp rcpt to", err)
	}

	writer, err := client.Data()
	if err != nil {
		return transient("smtp data", err)
	}
	if _, err := writer.Write(msg); err != nil {
		return transient("smtp data", fmt.Errorf("writing message: %w", err))
	}
	if err := writer.Close(); err != nil {
		return transient("smtp data", fmt.Errorf("closing message: %w", err))
	}

	if err := client.Quit(); err != nil {
		return transient("smtp quit", err)
	}

	return nil
}

// classifySMTP maps an SMTP command error to the retry taxonomy.
// Permanent 5xx rejections of envelope addresses are configuration
// problems; everything else is worth another attempt.
func classifySMTP(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return fatal(op, err)
	}
	return transient(op, err)
}

// buildMessage renders an OutboundMail into MIME wire bytes.
func buildMessage(m OutboundMail) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	h.SetAddressList("To", []*mail.Address{{Address: m.To}})
	h.SetSubject(m.Subject)
	h.SetMessageID(fmt.Sprintf("%s@%s", uuid.New(), senderDomain(m.From)))

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating mail writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(tw, m.Body); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing text part: %w", err)
	}

	if m.AttachmentName != "" {
		var ah mail.AttachmentHeader
		ah.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
		ah.SetFilename(m.AttachmentName)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("creating attachment: %w", err)
		}
		if _, err := aw.Write(m.Attachment); err != nil {
			return nil, fmt.Errorf("writing attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("closing attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

func senderDomain(from string) string {
	if _, domain, ok := strings.Cut(from, "@"); ok && domain != "" {
		return domain
	}
	return "licence-relay.local"
}
