package mailbox

import (
	"fmt"
	"strings"
	"time"
)

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Date      time.Time
}

// Message holds the full parsed content of a fetched message.
type Message struct {
	Envelope    Envelope
	TextBody    string
	Attachments []Attachment
}

// Attachment holds one decoded message attachment.
type Attachment struct {
	Filename string
	MIMEType string
	Data     []byte
}

// OutboundMail is a message ready for SMTP submission. Attachment is
// omitted when AttachmentName is empty.
type OutboundMail struct {
	From           string
	To             string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// CanonicalMessageID normalizes a Message-ID header value so the same
// message always dedups to the same key regardless of bracket style.
func CanonicalMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// FallbackMessageID builds a stable identifier for messages that carry
// no Message-ID header, from the mailbox UID and envelope date.
func FallbackMessageID(uid uint32, date time.Time) string {
	return fmt.Sprintf("uid-%d-%d", uid, date.UTC().Unix())
}
