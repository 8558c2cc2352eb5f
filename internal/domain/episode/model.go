package episode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oncopharm/cdss/internal/domain/observation"
)

// Episode concept ids used by this system.
const (
	ConceptLabResult          = 32531
	ConceptClinicalNote       = 32532
	ConceptRiskAcknowledgment = 32533
)

// Episode numbers by origin.
const (
	NumberIntegratedResult = 99
	NumberRecord           = 1
)

// Episode maps to the episode table. Once committed it is never changed;
// corrections are new episodes with a later start.
type Episode struct {
	ID              int64     `db:"episode_id" json:"episode_id"`
	PersonID        int64     `db:"person_id" json:"person_id"`
	ConceptID       int       `db:"episode_concept_id" json:"episode_concept_id"`
	StartDate       time.Time `db:"episode_start_date" json:"episode_start_date"`
	StartDateTime   time.Time `db:"episode_start_datetime" json:"episode_start_datetime"`
	Number          int       `db:"episode_number" json:"episode_number"`
	SourceValue     string    `db:"episode_source_value" json:"episode_source_value"`
	ObjectConceptID int       `db:"episode_object_concept_id" json:"episode_object_concept_id"`
	TypeConceptID   int       `db:"episode_type_concept_id" json:"episode_type_concept_id"`
	ObservationCode *string   `db:"observation_code" json:"observation_code,omitempty"`
	ValueAsNumber   *float64  `db:"value_as_number" json:"value_as_number,omitempty"`
	UnitSourceValue *string   `db:"unit_source_value" json:"unit_source_value,omitempty"`
	SourceSystem    *string   `db:"source_system" json:"source_system,omitempty"`
}

// DedupeKey identifies an episode for idempotent insert: two episodes with the
// same person, source value and start date are the same fact. Notes are
// keyed by their full timestamp instead of the day.
func (e *Episode) DedupeKey() string {
	if e.IsNote() {
		return DedupeKey(e.PersonID, e.SourceValue+"\x00"+e.StartDateTime.UTC().Format(time.RFC3339Nano), e.StartDate)
	}
	return DedupeKey(e.PersonID, e.SourceValue, e.StartDate)
}

// DedupeKey hashes the identifying triple into a fixed-width key.
func DedupeKey(personID int64, sourceValue string, startDate time.Time) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(personID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(sourceValue))
	h.Write([]byte{0})
	h.Write([]byte(startDate.UTC().Format(time.DateOnly)))
	return hex.EncodeToString(h.Sum(nil))
}

// IsLabResult reports whether the episode records a lab observation.
func (e *Episode) IsLabResult() bool { return e.ConceptID == ConceptLabResult }

// IsNote reports whether the episode records a clinical note.
func (e *Episode) IsNote() bool { return e.ConceptID == ConceptClinicalNote }

// IsAcknowledgment reports whether the episode records a risk acknowledgment.
func (e *Episode) IsAcknowledgment() bool { return e.ConceptID == ConceptRiskAcknowledgment }

func (e *Episode) validate() error {
	if e.PersonID <= 0 {
		return fmt.Errorf("%w: person_id must be positive", ErrInvalidEpisode)
	}
	if e.ConceptID == 0 {
		return fmt.Errorf("%w: episode_concept_id is required", ErrInvalidEpisode)
	}
	if e.StartDateTime.IsZero() {
		return fmt.Errorf("%w: episode start is required", ErrInvalidEpisode)
	}
	if strings.TrimSpace(e.SourceValue) == "" {
		return fmt.Errorf("%w: episode_source_value is required", ErrInvalidEpisode)
	}
	return nil
}

func newEpisode(personID int64, concept, number int, sourceValue string, start time.Time) *Episode {
	start = start.UTC()
	return &Episode{
		PersonID:      personID,
		ConceptID:     concept,
		StartDate:     truncateDay(start),
		StartDateTime: start,
		Number:        number,
		SourceValue:   sourceValue,
	}
}

// NewLabEpisode builds the episode for an integrated lab observation.
// sourceValue is the description shown to the pharmacist; empty means the
// observation's own rendering.
func NewLabEpisode(obs observation.LabObservation, sourceValue string) *Episode {
	if sourceValue == "" {
		sourceValue = obs.SourceValue()
	}
	e := newEpisode(obs.PersonID(), ConceptLabResult, NumberIntegratedResult, sourceValue, obs.ObservedAt)
	code, value, unit := obs.Code, obs.Value, obs.Unit
	e.ObservationCode = &code
	e.ValueAsNumber = &value
	if unit != "" {
		e.UnitSourceValue = &unit
	}
	if obs.SourceSystem != "" {
		src := obs.SourceSystem
		e.SourceSystem = &src
	}
	return e
}

// NewNoteEpisode builds the episode for a free-text clinical note.
func NewNoteEpisode(personID int64, text string, at time.Time) *Episode {
	return newEpisode(personID, ConceptClinicalNote, NumberRecord, strings.TrimSpace(text), at)
}

// NewAcknowledgmentEpisode builds the decision record that releases a
// latched risk alert. The timestamp is part of the source value so repeated
// acknowledgments on the same day are distinct records.
func NewAcknowledgmentEpisode(personID int64, clinician, reason string, at time.Time) *Episode {
	sv := "ACK " + at.UTC().Format(time.RFC3339Nano) + " by " + strings.TrimSpace(clinician)
	if r := strings.TrimSpace(reason); r != "" {
		sv += ": " + r
	}
	return newEpisode(personID, ConceptRiskAcknowledgment, NumberRecord, sv, at)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// InsertOutcome reports what an idempotent insert did.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	AlreadyExists
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ConceptClass groups observation codes that measure the same quantity.
type ConceptClass string

const (
	ConceptClassRenal ConceptClass = "renal"
)

var conceptClassCodes = map[ConceptClass][]string{
	ConceptClassRenal: {"CREAT", "2160-0"},
}

// Codes returns the observation codes in the class.
func (c ConceptClass) Codes() []string {
	return append([]string(nil), conceptClassCodes[c]...)
}

// Contains reports whether code belongs to the class (case-insensitive).
func (c ConceptClass) Contains(code string) bool {
	for _, cc := range conceptClassCodes[c] {
		if strings.EqualFold(cc, code) {
			return true
		}
	}
	return false
}

func upperCodes(c ConceptClass) []string {
	codes := c.Codes()
	for i := range codes {
		codes[i] = strings.ToUpper(codes[i])
	}
	return codes
}

// Observation is the numeric value of a stored lab episode.
type Observation struct {
	EpisodeID  int64     `json:"episode_id"`
	Code       string    `json:"code"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// ObservationOf extracts the numeric value of a lab episode.
func ObservationOf(e *Episode) (*Observation, bool) {
	if !e.IsLabResult() || e.ObservationCode == nil || e.ValueAsNumber == nil {
		return nil, false
	}
	o := &Observation{
		EpisodeID:  e.ID,
		Code:       *e.ObservationCode,
		Value:      *e.ValueAsNumber,
		ObservedAt: e.StartDateTime,
	}
	if e.UnitSourceValue != nil {
		o.Unit = *e.UnitSourceValue
	}
	return o, true
}

// Before reports whether a sorts before b in log order: start datetime, then
// episode id.
func Before(a, b *Episode) bool {
	if !a.StartDateTime.Equal(b.StartDateTime) {
		return a.StartDateTime.Before(b.StartDateTime)
	}
	return a.ID < b.ID
}
