package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header carries the MSH values a generated message is stamped with.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	ControlID    string // generated when empty
	Version      string // defaults to "2.3"
	Timestamp    time.Time
}

// LabResult is one numeric observation to encode as an OBX segment.
type LabResult struct {
	Code         string
	Name         string
	Value        float64
	Unit         string
	AbnormalFlag string
	ObservedAt   time.Time
}

// GenerateORU generates an ORU^R01 (unsolicited observation result) message
// with one OBR and one OBX per result.
func GenerateORU(h Header, patientID, patientName string, results []LabResult) ([]byte, error) {
	if patientID == "" {
		return nil, fmt.Errorf("hl7v2: patient identifier is required")
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("hl7v2: at least one result is required")
	}

	segments := []string{
		buildMSH(h, "ORU", "R01"),
		fmt.Sprintf("PID|1||%s||%s", Escape(patientID), patientName),
		fmt.Sprintf("OBR|1|||%s^%s", Escape(results[0].Code), Escape(results[0].Name)),
	}
	for i, r := range results {
		segments = append(segments, buildOBX(i+1, r))
	}

	return []byte(strings.Join(segments, "\r")), nil
}

func buildMSH(h Header, msgType, trigger string) string {
	ts := h.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	controlID := h.ControlID
	if controlID == "" {
		controlID = "MSG" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}
	version := h.Version
	if version == "" {
		version = "2.3"
	}

	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s^%s|%s|P|%s",
		Escape(h.SendingApp), Escape(h.SendingFac), Escape(h.ReceivingApp), Escape(h.ReceivingFac),
		ts.Format("20060102150405"), msgType, trigger, controlID, version)
}

// buildOBX constructs a numeric OBX segment:
// OBX|set|NM|code^name||value|unit||flag|||F|||observed-at
func buildOBX(setID int, r LabResult) string {
	observed := ""
	if !r.ObservedAt.IsZero() {
		observed = r.ObservedAt.UTC().Format("20060102150405")
	}
	return fmt.Sprintf("OBX|%d|NM|%s^%s||%s|%s||%s|||F|||%s",
		setID, Escape(r.Code), Escape(r.Name),
		strconv.FormatFloat(r.Value, 'f', -1, 64), Escape(r.Unit), r.AbnormalFlag, observed)
}

// Escape escapes HL7 special characters in a string.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func Escape(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

var unescaper = strings.NewReplacer(
	"\\F\\", "|",
	"\\S\\", "^",
	"\\R\\", "~",
	"\\T\\", "&",
	"\\E\\", "\\",
)

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	return unescaper.Replace(s)
}
