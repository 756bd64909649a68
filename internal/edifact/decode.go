package edifact

import (
	"strconv"
	"strings"
	"time"

	"github.com/nhle/licence-relay/internal/model"
)

// UsageFile is a decoded outbound flat file.
type UsageFile struct {
	RunNumber   int64
	GeneratedAt time.Time

	// Records carry only the wire fields; processing state and
	// timestamps are the store's business.
	Records []model.LicenceUsage
}

// ReplyFile is a decoded authority reply.
type ReplyFile struct {
	RunNumber   int64
	GeneratedAt time.Time
	Outcomes    []model.ReplyOutcome
}

// fileEnvelope is the validated header/trailer frame around body lines.
type fileEnvelope struct {
	runNumber   int64
	generatedAt time.Time
	body        []wireLine
}

type wireLine struct {
	num    int
	kind   string
	fields []string
}

// DecodeReply parses an authority reply. Any structural mismatch fails
// with *MalformedReplyError; the caller keeps the raw bytes for audit.
// Unknown trailing fields on a known line are tolerated, unknown line
// types and missing required fields are not.
func DecodeReply(data []byte) (*ReplyFile, error) {
	env, err := decodeEnvelope(data, payloadReply)
	if err != nil {
		return nil, err
	}

	var outcomes []model.ReplyOutcome
	for _, ln := range env.body {
		switch ln.kind {
		case lineAccepted:
			if len(ln.fields) < 3 || ln.fields[2] == "" {
				return nil, malformed(ln.num, "accepted line needs a licence reference")
			}
			outcomes = append(outcomes, model.ReplyOutcome{
				Reference: ln.fields[2],
				Accepted:  true,
			})
		case lineRejected:
			if len(ln.fields) < 3 || ln.fields[2] == "" {
				return nil, malformed(ln.num, "rejected line needs a licence reference")
			}
			o := model.ReplyOutcome{Reference: ln.fields[2]}
			if len(ln.fields) > 3 {
				o.Code = ln.fields[3]
			}
			if len(ln.fields) > 4 {
				o.Detail = ln.fields[4]
			}
			outcomes = append(outcomes, o)
		default:
			return nil, malformed(ln.num, "unknown line type %q", ln.kind)
		}
	}

	return &ReplyFile{
		RunNumber:   env.runNumber,
		GeneratedAt: env.generatedAt,
		Outcomes:    outcomes,
	}, nil
}

// DecodeUsage parses an outbound flat file back into records. The
// relay itself only encodes usage files; the decoder closes the loop
// for verification and audit tooling.
func DecodeUsage(data []byte) (*UsageFile, error) {
	env, err := decodeEnvelope(data, payloadUsage)
	if err != nil {
		return nil, err
	}

	var records []model.LicenceUsage
	for _, ln := range env.body {
		if ln.kind != lineUsage {
			return nil, malformed(ln.num, "unknown line type %q", ln.kind)
		}
		if len(ln.fields) < 9 {
			return nil, malformed(ln.num, "usage line needs 9 fields, got %d", len(ln.fields))
		}
		if ln.fields[2] == "" {
			return nil, malformed(ln.num, "usage line needs a licence reference")
		}

		action := model.Action(ln.fields[3])
		if !action.Valid() {
			return nil, malformed(ln.num, "unknown action %q", ln.fields[3])
		}
		quantity, err := strconv.ParseFloat(ln.fields[4], 64)
		if err != nil {
			return nil, malformed(ln.num, "quantity %q is not numeric", ln.fields[4])
		}
		value, err := strconv.ParseFloat(ln.fields[5], 64)
		if err != nil {
			return nil, malformed(ln.num, "value %q is not numeric", ln.fields[5])
		}
		usageDate, err := time.ParseInLocation(usageDateLayout, ln.fields[7], time.UTC)
		if err != nil {
			return nil, malformed(ln.num, "usage date %q is not %s", ln.fields[7], usageDateLayout)
		}

		records = append(records, model.LicenceUsage{
			Reference:   ln.fields[2],
			Action:      action,
			Quantity:    quantity,
			Value:       value,
			Currency:    ln.fields[6],
			UsageDate:   usageDate,
			ControlCode: ln.fields[8],
		})
	}

	return &UsageFile{
		RunNumber:   env.runNumber,
		GeneratedAt: env.generatedAt,
		Records:     records,
	}, nil
}

// decodeEnvelope validates the frame shared by both payload types:
// line numbering, header shape, trailer count, and checksum.
func decodeEnvelope(data []byte, payload string) (*fileEnvelope, error) {
	lines, err := splitFile(data)
	if err != nil {
		return nil, err
	}

	parsed := make([]wireLine, len(lines))
	for i, raw := range lines {
		ln, err := parseLine(raw, i)
		if err != nil {
			return nil, err
		}
		parsed[i] = ln
	}

	header := parsed[0]
	if header.kind != lineHeader {
		return nil, malformed(1, "expected %s, got %q", lineHeader, header.kind)
	}
	if len(header.fields) < 7 {
		return nil, malformed(1, "header needs 7 fields, got %d", len(header.fields))
	}
	if header.fields[2] != payload {
		return nil, malformed(1, "payload type %q, want %q", header.fields[2], payload)
	}
	if header.fields[3] != formatVersion {
		return nil, malformed(1, "unsupported format version %q", header.fields[3])
	}
	runNumber, perr := strconv.ParseInt(header.fields[4], 10, 64)
	if perr != nil || runNumber <= 0 {
		return nil, malformed(1, "run number %q is not a positive integer", header.fields[4])
	}
	headerCount, perr := strconv.Atoi(header.fields[5])
	if perr != nil {
		return nil, malformed(1, "record count %q is not numeric", header.fields[5])
	}
	generatedAt, perr := time.ParseInLocation(stampLayout, header.fields[6], time.UTC)
	if perr != nil {
		return nil, malformed(1, "generation timestamp %q is not %s", header.fields[6], stampLayout)
	}

	trailer := parsed[len(parsed)-1]
	if trailer.kind != lineTrailer {
		return nil, malformed(trailer.num, "expected %s, got %q", lineTrailer, trailer.kind)
	}
	if len(trailer.fields) < 4 {
		return nil, malformed(trailer.num, "trailer needs 4 fields, got %d", len(trailer.fields))
	}
	trailerCount, perr := strconv.Atoi(trailer.fields[2])
	if perr != nil {
		return nil, malformed(trailer.num, "trailer count %q is not numeric", trailer.fields[2])
	}

	bodyCount := len(parsed) - 2
	if headerCount != bodyCount {
		return nil, malformed(1, "header count %d does not match %d body lines", headerCount, bodyCount)
	}
	if trailerCount != bodyCount {
		return nil, malformed(trailer.num, "trailer count %d does not match %d body lines", trailerCount, bodyCount)
	}

	sumInput := strings.Join(lines[:len(lines)-1], "\n") + "\n"
	if got := checksum([]byte(sumInput)); trailer.fields[3] != got {
		return nil, malformed(trailer.num, "checksum %q does not match computed %s", trailer.fields[3], got)
	}

	return &fileEnvelope{
		runNumber:   runNumber,
		generatedAt: generatedAt,
		body:        parsed[1 : len(parsed)-1],
	}, nil
}

// splitFile normalizes line endings and splits into lines. Mail
// transports rewrite LF to CRLF in text parts, so both are accepted;
// the checksum is always computed over the LF form.
func splitFile(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, malformed(0, "empty file")
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, malformed(0, "empty file")
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return nil, malformed(0, "missing trailer")
	}

	return lines, nil
}

func parseLine(raw string, idx int) (wireLine, error) {
	fields := strings.Split(raw, fieldSep)
	if len(fields) < 2 {
		return wireLine{}, malformed(idx+1, "line has no type field")
	}

	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return wireLine{}, malformed(idx+1, "line number %q is not numeric", fields[0])
	}
	if num != idx+1 {
		return wireLine{}, malformed(idx+1, "line number %d out of sequence, want %d", num, idx+1)
	}

	return wireLine{num: num, kind: fields[1], fields: fields}, nil
}
