// Package edifact implements the flat-file wire format exchanged with
// the customs authority: backslash-delimited lines with a numbered
// header, one line per licence usage record or reply outcome, and a
// checksummed trailer. The layout is an authority-mandated contract;
// the version marker in the header exists so it can evolve without
// ambiguity.
package edifact

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

const (
	// formatVersion is stamped into every file header.
	formatVersion = "1"

	payloadUsage = "licenceUsage"
	payloadReply = "licenceReply"

	lineHeader   = "fileHeader"
	lineTrailer  = "fileTrailer"
	lineUsage    = "licenceUsage"
	lineAccepted = "accepted"
	lineRejected = "rejected"

	fieldSep = `\`

	// stampLayout is the header generation timestamp, minute precision.
	stampLayout = "200601021504"

	// usageDateLayout is the per-record usage date.
	usageDateLayout = "20060102"

	subjectPrefix = "LICENCE_USAGE_"
)

// MalformedReplyError reports a structural failure while decoding a
// flat file. Line is 1-based; 0 means the failure concerns the file as
// a whole. The raw bytes are kept by the caller for audit, never here.
type MalformedReplyError struct {
	Line   int
	Reason string
}

func (e *MalformedReplyError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("malformed flat file: %s", e.Reason)
	}
	return fmt.Sprintf("malformed flat file: line %d: %s", e.Line, e.Reason)
}

func malformed(line int, format string, args ...interface{}) *MalformedReplyError {
	return &MalformedReplyError{Line: line, Reason: fmt.Sprintf(format, args...)}
}

// Subject returns the mail subject for a run, parseable for
// correlation before any attachment is decoded.
func Subject(runNumber int64) string {
	return subjectPrefix + strconv.FormatInt(runNumber, 10)
}

// ParseSubject extracts the run number from a mail subject, tolerating
// reply prefixes. The second return is false when the subject does not
// follow the convention.
func ParseSubject(subject string) (int64, bool) {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		if strings.HasPrefix(lower, "re:") {
			s = strings.TrimSpace(s[3:])
			continue
		}
		if strings.HasPrefix(lower, "fwd:") {
			s = strings.TrimSpace(s[4:])
			continue
		}
		break
	}

	rest, ok := strings.CutPrefix(s, subjectPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// FileName returns the attachment name for a run, e.g.
// LICENCE_USAGE_42_202608241130.txt.
func FileName(runNumber int64, generatedAt time.Time) string {
	return fmt.Sprintf("%s%d_%s.txt",
		subjectPrefix, runNumber, generatedAt.UTC().Format(stampLayout))
}

// checksum is CRC-32 (IEEE) over the header and body lines including
// their newlines, rendered as eight lowercase hex digits.
func checksum(body []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(body))
}

// checkField rejects values that would corrupt the line structure.
func checkField(name, value string) error {
	if strings.ContainsAny(value, fieldSep+"\n\r") {
		return fmt.Errorf("field %s contains a delimiter or newline: %q", name, value)
	}
	return nil
}

// asciiField maps a field onto the 7-bit subset the authority's intake
// accepts: every rune outside printable ASCII becomes '?'. This is the
// long-standing transliteration on this interface, so attachments never
// need a content-transfer encoding beyond 7bit.
func asciiField(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			b.WriteByte('?')
		} else {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

// formatAmount renders a quantity or value with the shortest exact
// decimal form, so identical input always encodes to identical bytes.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
