package observation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LabObservation is one normalized numeric lab result. Values are built only
// through NewLabObservation and are never mutated afterwards.
type LabObservation struct {
	PatientExternalID string    `json:"patient_external_id"`
	Code              string    `json:"code"`
	Name              string    `json:"name,omitempty"`
	Value             float64   `json:"value"`
	Unit              string    `json:"unit"`
	AbnormalFlag      string    `json:"abnormal_flag,omitempty"`
	SourceSystem      string    `json:"source_system"`
	ObservedAt        time.Time `json:"observed_at"`
}

// Fields is the unvalidated input to NewLabObservation.
type Fields struct {
	PatientExternalID string
	Code              string
	Name              string
	Value             float64
	Unit              string
	AbnormalFlag      string
	SourceSystem      string
	ObservedAt        time.Time
}

// NewLabObservation validates f and returns the observation. The patient
// identifier must be a positive integer because the episode log keys patients
// by integer person id.
func NewLabObservation(f Fields) (LabObservation, error) {
	pid := strings.TrimSpace(f.PatientExternalID)
	if pid == "" {
		return LabObservation{}, fmt.Errorf("patient id is required")
	}
	if n, err := strconv.ParseInt(pid, 10, 64); err != nil || n <= 0 {
		return LabObservation{}, fmt.Errorf("patient id %q is not a positive integer", pid)
	}
	code := strings.TrimSpace(f.Code)
	if code == "" {
		return LabObservation{}, fmt.Errorf("observation code is required")
	}
	if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return LabObservation{}, fmt.Errorf("observation value must be a finite number")
	}
	if f.ObservedAt.IsZero() {
		return LabObservation{}, fmt.Errorf("observed-at time is required")
	}

	return LabObservation{
		PatientExternalID: pid,
		Code:              code,
		Name:              strings.TrimSpace(f.Name),
		Value:             f.Value,
		Unit:              strings.TrimSpace(f.Unit),
		AbnormalFlag:      strings.TrimSpace(f.AbnormalFlag),
		SourceSystem:      strings.TrimSpace(f.SourceSystem),
		ObservedAt:        f.ObservedAt.UTC(),
	}, nil
}

// PersonID returns the integer person id of the observed patient.
func (o LabObservation) PersonID() int64 {
	n, _ := strconv.ParseInt(o.PatientExternalID, 10, 64)
	return n
}

// SourceValue renders the human-readable episode description, e.g.
// "CREAT = 1.9 mg/dL".
func (o LabObservation) SourceValue() string {
	s := o.Code + " = " + FormatValue(o.Value)
	if o.Unit != "" {
		s += " " + o.Unit
	}
	return s
}

// FormatValue formats a numeric result with the shortest exact representation.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
