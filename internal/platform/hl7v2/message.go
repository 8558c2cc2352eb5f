package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.3")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
// Parse only checks the segment grammar; which segments a message must carry
// is decided by the caller.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{Segments: make([]Segment, 0, len(lines))}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractHeader()
	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	name := line[:3]
	if len(line) > 3 && line[3] != '|' {
		return Segment{}, fmt.Errorf("segment %q: expected field separator after tag", line[:min(8, len(line))])
	}

	seg := Segment{Name: name}

	// MSH is special: the field separator is MSH-1 itself, so MSH-2 (the
	// encoding characters) is the first element after "MSH|".
	if name == "MSH" {
		seg.Fields = append(seg.Fields, Field{Value: "|", Components: []string{"|"}})
		if len(line) <= 4 {
			return seg, nil
		}
		parts := strings.Split(line[4:], "|")
		// MSH-2 must stay intact; splitting it on ^ or ~ would mangle it.
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	if len(line) > 4 {
		for _, f := range strings.Split(line[4:], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractHeader copies commonly used MSH fields into the Message struct.
func (m *Message) extractHeader() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)
	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		m.Timestamp = ts
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// ParseTimestamp parses an HL7v2 timestamp (YYYYMMDDHHmmss, YYYYMMDDHHmm or
// YYYYMMDD). Timezone offsets and fractional seconds are ignored; the result
// is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by 1-based HL7 index. For MSH,
// index 1 is the field separator itself; for every other segment index 1 is
// the first field after the segment tag. Both map to Fields[index-1].
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}
