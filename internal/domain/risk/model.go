package risk

import (
	"time"

	"github.com/oncopharm/cdss/internal/domain/adverseevent"
	"github.com/oncopharm/cdss/internal/domain/episode"
)

// DefaultRenalThresholdMgDL is the creatinine level above which a renal alert
// is raised.
const DefaultRenalThresholdMgDL = 1.2

// Severity summarizes the current clinical signals.
type Severity string

const (
	SeverityNormal Severity = "NORMAL"
	SeverityLevel1 Severity = "LEVEL_1"
	SeverityLevel3 Severity = "LEVEL_3_4"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLevel3:
		return 2
	case SeverityLevel1:
		return 1
	default:
		return 0
	}
}

// Status is the alerting state of a patient.
type Status string

const (
	StatusStable     Status = "STABLE"
	StatusMonitoring Status = "MONITORING"
	StatusAlert      Status = "ALERT"
)

// PatientRiskState is derived on every request from the patient's episode
// log plus whatever note text and findings the request carries.
type PatientRiskState struct {
	PatientID      int64                  `json:"patient_id"`
	RenalAlert     bool                   `json:"renal_alert"`
	ActiveFindings []adverseevent.Finding `json:"active_findings"`
	Severity       Severity               `json:"severity"`
	Status         Status                 `json:"status"`
	LastUpdated    *time.Time             `json:"last_updated,omitempty"`
	LatestRenal    *episode.Observation   `json:"latest_renal,omitempty"`
	Acknowledged   *time.Time             `json:"acknowledged_at,omitempty"`
}

// Request asks for a patient's risk state. NoteText, when set, replaces the
// latest stored note; a NoteText carrying a grade 3/4 finding is also stored
// so the ALERT it raises outlives the request. ExternalFindings are merged
// after the detector's.
type Request struct {
	PatientID        int64
	NoteText         string
	ExternalFindings []adverseevent.Finding
}

func (r Request) hasSignals() bool {
	return r.NoteText != "" || len(r.ExternalFindings) > 0
}
