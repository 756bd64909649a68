package edifact

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/licence-relay/internal/model"
)

// EncodeUsage serializes a batch of licence usage records into the
// outbound flat-file format. The output depends only on the arguments,
// so re-encoding the same batch for a retry produces identical bytes:
// generatedAt must be the batch's creation time, never the clock.
func EncodeUsage(
	runNumber int64,
	generatedAt time.Time,
	records []model.LicenceUsage,
) ([]byte, error) {
	if runNumber <= 0 {
		return nil, fmt.Errorf("run number must be positive, got %d", runNumber)
	}
	if generatedAt.IsZero() {
		return nil, fmt.Errorf("generation timestamp is required")
	}

	var b strings.Builder
	writeLine(&b,
		"1", lineHeader, payloadUsage, formatVersion,
		strconv.FormatInt(runNumber, 10),
		strconv.Itoa(len(records)),
		generatedAt.UTC().Format(stampLayout),
	)

	for i, r := range records {
		if r.Reference == "" {
			return nil, fmt.Errorf("record %d has no licence reference", i+1)
		}
		if !r.Action.Valid() {
			return nil, fmt.Errorf("record %s has unknown action %q", r.Reference, r.Action)
		}
		if r.UsageDate.IsZero() {
			return nil, fmt.Errorf("record %s has no usage date", r.Reference)
		}
		for _, f := range []struct{ name, value string }{
			{"reference", r.Reference},
			{"currency", r.Currency},
			{"control code", r.ControlCode},
		} {
			if err := checkField(f.name, f.value); err != nil {
				return nil, fmt.Errorf("record %s: %w", r.Reference, err)
			}
		}

		writeLine(&b,
			strconv.Itoa(i+2), lineUsage,
			r.Reference, string(r.Action),
			formatAmount(r.Quantity), formatAmount(r.Value),
			r.Currency,
			r.UsageDate.UTC().Format(usageDateLayout),
			r.ControlCode,
		)
	}

	sum := checksum([]byte(b.String()))
	writeLine(&b,
		strconv.Itoa(len(records)+2), lineTrailer,
		strconv.Itoa(len(records)), sum,
	)

	return []byte(b.String()), nil
}

// EncodeReply serializes reply outcomes into the inbound flat-file
// format. The relay never sends replies itself; this is the other half
// of the codec, kept alongside EncodeUsage so the format lives in one
// place.
func EncodeReply(
	runNumber int64,
	generatedAt time.Time,
	outcomes []model.ReplyOutcome,
) ([]byte, error) {
	if runNumber <= 0 {
		return nil, fmt.Errorf("run number must be positive, got %d", runNumber)
	}
	if generatedAt.IsZero() {
		return nil, fmt.Errorf("generation timestamp is required")
	}

	var b strings.Builder
	writeLine(&b,
		"1", lineHeader, payloadReply, formatVersion,
		strconv.FormatInt(runNumber, 10),
		strconv.Itoa(len(outcomes)),
		generatedAt.UTC().Format(stampLayout),
	)

	for i, o := range outcomes {
		if o.Reference == "" {
			return nil, fmt.Errorf("outcome %d has no licence reference", i+1)
		}
		for _, f := range []struct{ name, value string }{
			{"reference", o.Reference},
			{"code", o.Code},
			{"detail", o.Detail},
		} {
			if err := checkField(f.name, f.value); err != nil {
				return nil, fmt.Errorf("outcome %s: %w", o.Reference, err)
			}
		}

		if o.Accepted {
			writeLine(&b, strconv.Itoa(i+2), lineAccepted, o.Reference)
		} else {
			writeLine(&b, strconv.Itoa(i+2), lineRejected, o.Reference, o.Code, o.Detail)
		}
	}

	sum := checksum([]byte(b.String()))
	writeLine(&b,
		strconv.Itoa(len(outcomes)+2), lineTrailer,
		strconv.Itoa(len(outcomes)), sum,
	)

	return []byte(b.String()), nil
}

func writeLine(b *strings.Builder, fields ...string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		b.WriteString(asciiField(f))
	}
	b.WriteByte('\n')
}
