package risk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopharm/cdss/internal/domain/adverseevent"
	"github.com/oncopharm/cdss/internal/domain/episode"
)

// ErrInvalidRequest is wrapped by request validation failures.
var ErrInvalidRequest = errors.New("invalid risk request")

// Episodes is the part of the episode store the aggregator uses.
type Episodes interface {
	Insert(ctx context.Context, e *episode.Episode) (episode.InsertOutcome, error)
	ListByPatient(ctx context.Context, personID int64) ([]*episode.Episode, error)
	LatestValue(ctx context.Context, personID int64, class episode.ConceptClass) (*episode.Observation, bool, error)
}

// Observer is notified of every computed state.
type Observer interface {
	RiskEvaluated(severity, status string)
}

// Config tunes the aggregator.
type Config struct {
	RenalThresholdMgDL float64          // 0 means DefaultRenalThresholdMgDL
	Clock              func() time.Time // nil means time.Now
	Observer           Observer         // optional
}

// Aggregator derives PatientRiskState from the episode log. It holds no
// per-patient state; every call replays the log.
type Aggregator struct {
	episodes  Episodes
	detector  *adverseevent.Detector
	threshold float64
	now       func() time.Time
	observer  Observer
	logger    zerolog.Logger
}

// NewAggregator returns an Aggregator.
func NewAggregator(episodes Episodes, detector *adverseevent.Detector, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.RenalThresholdMgDL <= 0 {
		cfg.RenalThresholdMgDL = DefaultRenalThresholdMgDL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Aggregator{
		episodes:  episodes,
		detector:  detector,
		threshold: cfg.RenalThresholdMgDL,
		now:       cfg.Clock,
		observer:  cfg.Observer,
		logger:    logger.With().Str("component", "risk").Logger(),
	}
}

// RenalThreshold returns the configured creatinine threshold in mg/dL.
func (a *Aggregator) RenalThreshold() float64 { return a.threshold }

// replayState is the running state while the log is replayed oldest-first.
type replayState struct {
	renal    *episode.Observation
	findings []adverseevent.Finding
	raised   bool
	ackID    int64
	ackAt    *time.Time
	last     *time.Time
}

func (a *Aggregator) renalAlert(o *episode.Observation) bool {
	return o != nil && o.Value > a.threshold
}

func (a *Aggregator) severity(st *replayState) Severity {
	if a.renalAlert(st.renal) {
		return SeverityLevel3
	}
	sev := SeverityNormal
	for _, f := range st.findings {
		if f.Grade.High() {
			return SeverityLevel3
		}
		sev = SeverityLevel1
	}
	return sev
}

// status maps the replayed state onto STABLE, MONITORING or ALERT. ALERT holds
// while some qualifying event was committed after the latest acknowledgment.
func (a *Aggregator) status(st *replayState) Status {
	switch {
	case st.raised:
		return StatusAlert
	case a.severity(st) != SeverityNormal:
		return StatusMonitoring
	default:
		return StatusStable
	}
}

func hasHighGrade(fs []adverseevent.Finding) bool {
	for _, f := range fs {
		if f.Grade.High() {
			return true
		}
	}
	return false
}

// latestAck finds the acknowledgment with the highest episode id. An
// acknowledgment covers the episodes committed before it, whatever their
// clinical timestamps.
func latestAck(eps []*episode.Episode, st *replayState) {
	for _, e := range eps {
		if e.IsAcknowledgment() && e.ID > st.ackID {
			st.ackID = e.ID
			at := e.StartDateTime
			st.ackAt = &at
		}
	}
}

// ComputeRisk returns the patient's current risk state. A patient with no
// data is NORMAL and STABLE.
func (a *Aggregator) ComputeRisk(ctx context.Context, req Request) (*PatientRiskState, error) {
	if req.PatientID <= 0 {
		return nil, fmt.Errorf("%w: patient id must be positive", ErrInvalidRequest)
	}

	eps, err := a.episodes.ListByPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load episodes for patient %d: %w", req.PatientID, err)
	}

	st := &replayState{}
	latestAck(eps, st)
	var latestNote string
	table := a.detector.Terminology()

	for i := len(eps) - 1; i >= 0; i-- {
		e := eps[i]
		unacked := e.ID > st.ackID
		switch {
		case e.IsLabResult():
			o, ok := episode.ObservationOf(e)
			if !ok || !episode.ConceptClassRenal.Contains(o.Code) {
				continue
			}
			st.renal = o
			if unacked && a.renalAlert(o) {
				st.raised = true
			}
		case e.IsNote():
			latestNote = e.SourceValue
			st.findings = a.detector.Analyze(e.SourceValue)
			if unacked && hasHighGrade(st.findings) {
				st.raised = true
			}
		case e.IsAcknowledgment():
		default:
			continue
		}
		if st.last == nil || e.StartDateTime.After(*st.last) {
			at := e.StartDateTime
			st.last = &at
		}
	}

	if req.hasSignals() {
		external, err := adverseevent.NormalizeExternal(table, req.ExternalFindings)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		note := latestNote
		if req.NoteText != "" {
			note = req.NoteText
		}
		findings, err := adverseevent.Combine(ctx, note, a.detector, external)
		if err != nil {
			return nil, fmt.Errorf("detect findings: %w", err)
		}
		if req.NoteText != "" && hasHighGrade(a.detector.Analyze(req.NoteText)) {
			if _, _, err := a.AddNote(ctx, req.PatientID, req.NoteText); err != nil {
				return nil, fmt.Errorf("record alerting note: %w", err)
			}
		}
		st.findings = findings
		if hasHighGrade(findings) {
			st.raised = true
		}
		now := a.now().UTC()
		st.last = &now
	}

	state := &PatientRiskState{
		PatientID:      req.PatientID,
		RenalAlert:     a.renalAlert(st.renal),
		ActiveFindings: orderFindings(table, st.findings),
		Severity:       a.severity(st),
		Status:         a.status(st),
		LastUpdated:    st.last,
		LatestRenal:    st.renal,
		Acknowledged:   st.ackAt,
	}
	if state.Status == StatusAlert && state.Severity.rank() < SeverityLevel3.rank() {
		state.Severity = SeverityLevel3
	}

	if a.observer != nil {
		a.observer.RiskEvaluated(string(state.Severity), string(state.Status))
	}
	a.logger.Debug().Int64("patient_id", req.PatientID).Str("severity", string(state.Severity)).
		Str("status", string(state.Status)).Int("findings", len(state.ActiveFindings)).Msg("risk computed")
	return state, nil
}

// orderFindings puts grade 3/4 first and keeps canonical table order within a
// grade. Terms outside the table follow table terms in their given order.
func orderFindings(table *adverseevent.Terminology, in []adverseevent.Finding) []adverseevent.Finding {
	out := make([]adverseevent.Finding, len(in))
	copy(out, in)
	rank := func(f adverseevent.Finding) int {
		if r := table.Rank(f.Term); r >= 0 {
			return r
		}
		return table.Len()
	}
	slices.SortStableFunc(out, func(x, y adverseevent.Finding) int {
		if x.Grade.High() != y.Grade.High() {
			if x.Grade.High() {
				return -1
			}
			return 1
		}
		return rank(x) - rank(y)
	})
	return out
}

// LatestRenal returns the most recent renal observation and whether it is
// above the threshold.
func (a *Aggregator) LatestRenal(ctx context.Context, patientID int64) (*episode.Observation, bool, error) {
	o, ok, err := a.episodes.LatestValue(ctx, patientID, episode.ConceptClassRenal)
	if err != nil || !ok {
		return nil, false, err
	}
	return o, a.renalAlert(o), nil
}

// AddNote appends a clinical note to the patient's log.
func (a *Aggregator) AddNote(ctx context.Context, patientID int64, text string) (*episode.Episode, episode.InsertOutcome, error) {
	if patientID <= 0 {
		return nil, 0, fmt.Errorf("%w: patient id must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(text) == "" {
		return nil, 0, fmt.Errorf("%w: note text is required", ErrInvalidRequest)
	}
	e := episode.NewNoteEpisode(patientID, text, a.now())
	outcome, err := a.episodes.Insert(ctx, e)
	if err != nil {
		return nil, 0, err
	}
	return e, outcome, nil
}

// Acknowledge records a clinician's acknowledgment, releasing a latched
// ALERT, and returns the resulting state.
func (a *Aggregator) Acknowledge(ctx context.Context, patientID int64, clinician, reason string) (*PatientRiskState, error) {
	if patientID <= 0 {
		return nil, fmt.Errorf("%w: patient id must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(clinician) == "" {
		return nil, fmt.Errorf("%w: clinician is required", ErrInvalidRequest)
	}
	e := episode.NewAcknowledgmentEpisode(patientID, clinician, reason, a.now())
	if _, err := a.episodes.Insert(ctx, e); err != nil {
		return nil, err
	}
	a.logger.Info().Int64("patient_id", patientID).Str("clinician", clinician).Msg("risk acknowledged")
	return a.ComputeRisk(ctx, Request{PatientID: patientID})
}
