package observation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oncopharm/cdss/internal/platform/hl7v2"
)

// ParseError reports a message that cannot be turned into observations.
// Callers log it and drop the message; nothing from it is stored.
type ParseError struct {
	Reason string
	Raw    []byte
}

func (e *ParseError) Error() string {
	return "parse lab message: " + e.Reason
}

func parseErr(raw []byte, format string, args ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// Parser converts ORU lab messages into LabObservations.
type Parser struct {
	now func() time.Time
}

// NewParser returns a Parser. clock supplies the ingest time used when a
// message carries no observation, order or message timestamp; nil means
// time.Now.
func NewParser(clock func() time.Time) *Parser {
	if clock == nil {
		clock = time.Now
	}
	return &Parser{now: clock}
}

// Parsed is the result of a successful parse.
type Parsed struct {
	ControlID    string
	SourceSystem string
	Observations []LabObservation
}

// Parse decodes raw and returns one observation per numeric OBX segment.
// OBX segments whose value type is not numeric (ST, TX, CE, ...) are skipped.
// Any structural problem, or a numeric value that does not coerce, fails the
// whole message with a *ParseError.
func (p *Parser) Parse(raw []byte) (*Parsed, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, parseErr(raw, "%v", err)
	}
	return p.FromMessage(msg, raw)
}

// FromMessage extracts observations from an already parsed message.
func (p *Parser) FromMessage(msg *hl7v2.Message, raw []byte) (*Parsed, error) {
	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, parseErr(raw, "missing PID segment")
	}
	patientID := strings.TrimSpace(pid.GetComponent(3, 1))
	if patientID == "" {
		return nil, parseErr(raw, "empty patient identifier in PID-3")
	}

	obxs := msg.GetSegments("OBX")
	if len(obxs) == 0 {
		return nil, parseErr(raw, "missing OBX segment")
	}

	fallback := p.fallbackTime(msg)
	out := &Parsed{
		ControlID:    msg.ControlID,
		SourceSystem: msg.SendingApp,
	}

	for i := range obxs {
		obx := &obxs[i]
		valueType := strings.ToUpper(strings.TrimSpace(obx.GetField(2)))
		if valueType != "" && valueType != "NM" {
			continue
		}

		rawValue := strings.TrimSpace(obx.GetField(5))
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return nil, parseErr(raw, "OBX %d: value %q is not numeric", i+1, rawValue)
		}

		observedAt := fallback
		if ts, err := hl7v2.ParseTimestamp(obx.GetField(14)); err == nil {
			observedAt = ts
		}

		obs, err := NewLabObservation(Fields{
			PatientExternalID: patientID,
			Code:              hl7v2.Unescape(obx.GetComponent(3, 1)),
			Name:              hl7v2.Unescape(obx.GetComponent(3, 2)),
			Value:             value,
			Unit:              hl7v2.Unescape(obx.GetComponent(6, 1)),
			AbnormalFlag:      obx.GetField(8),
			SourceSystem:      msg.SendingApp,
			ObservedAt:        observedAt,
		})
		if err != nil {
			return nil, parseErr(raw, "OBX %d: %v", i+1, err)
		}
		out.Observations = append(out.Observations, obs)
	}

	if len(out.Observations) == 0 {
		return nil, parseErr(raw, "no numeric OBX segment")
	}
	return out, nil
}

// fallbackTime picks OBR-7, then MSH-7, then the ingest clock.
func (p *Parser) fallbackTime(msg *hl7v2.Message) time.Time {
	if obr := msg.GetSegment("OBR"); obr != nil {
		if ts, err := hl7v2.ParseTimestamp(obr.GetField(7)); err == nil {
			return ts
		}
	}
	if !msg.Timestamp.IsZero() {
		return msg.Timestamp
	}
	return p.now().UTC()
}
