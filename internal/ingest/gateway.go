package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopharm/cdss/internal/domain/episode"
	"github.com/oncopharm/cdss/internal/domain/observation"
	"github.com/oncopharm/cdss/internal/platform/hl7v2"
)

// Result statuses.
const (
	StatusReceived = "received"
	StatusRejected = "rejected"
)

// Outcome labels reported to the Observer.
const (
	OutcomeInserted    = "inserted"
	OutcomeDuplicate   = "duplicate"
	OutcomeRejected    = "rejected"
	OutcomeParseError  = "parse_error"
	OutcomeStoreFailed = "store_failed"
)

// Episodes is the write side of the episode store.
type Episodes interface {
	Insert(ctx context.Context, e *episode.Episode) (episode.InsertOutcome, error)
}

// Observer is notified once per ingested message.
type Observer interface {
	MessageIngested(source, outcome string)
}

// LabResultPayload is the structured ingress body. Pointer fields tell a
// missing value apart from a zero one.
type LabResultPayload struct {
	PatientID    *int64   `json:"patient_id"`
	ExamCode     string   `json:"exam_code"`
	Value        *float64 `json:"value"`
	Unit         string   `json:"unit"`
	SourceSystem string   `json:"source_system"`
}

// ValidationError rejects a payload before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Result is what an ingestion call reports back to the sender. Err carries
// the validation or parse error behind a rejection, for logging only.
type Result struct {
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	Inserted   int    `json:"-"`
	Duplicates int    `json:"-"`
	Err        error  `json:"-"`
}

func rejected(err error) Result {
	return Result{Status: StatusRejected, Detail: err.Error(), Err: err}
}

// Gateway turns structured payloads and raw HL7 messages into lab episodes.
type Gateway struct {
	episodes Episodes
	parser   *observation.Parser
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger
}

// NewGateway returns a Gateway writing to episodes. clock may be nil.
func NewGateway(episodes Episodes, clock func() time.Time, observer Observer, logger zerolog.Logger) *Gateway {
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		episodes: episodes,
		parser:   observation.NewParser(clock),
		observer: observer,
		now:      clock,
		logger:   logger.With().Str("component", "ingest").Logger(),
	}
}

func (g *Gateway) observe(source, outcome string) {
	if g.observer != nil {
		g.observer.MessageIngested(source, outcome)
	}
}

func validatePayload(p LabResultPayload) error {
	switch {
	case p.PatientID == nil:
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	case *p.PatientID <= 0:
		return &ValidationError{Field: "patient_id", Reason: "must be positive"}
	case strings.TrimSpace(p.ExamCode) == "":
		return &ValidationError{Field: "exam_code", Reason: "is required"}
	case p.Value == nil:
		return &ValidationError{Field: "value", Reason: "is required"}
	case strings.TrimSpace(p.SourceSystem) == "":
		return &ValidationError{Field: "source_system", Reason: "is required"}
	}
	return nil
}

// ingressSourceValue renders the pharmacist-facing description of a result
// received through the structured API.
func ingressSourceValue(source, code string, value float64, unit string) string {
	sv := fmt.Sprintf("API (%s): %s = %s", source, code, observation.FormatValue(value))
	if unit != "" {
		sv += " " + unit
	}
	return sv
}

// Submit validates p and stores it as a lab episode. Validation failures come
// back as a rejected Result with a nil error; only store failures are errors.
func (g *Gateway) Submit(ctx context.Context, p LabResultPayload) (Result, error) {
	const source = "api"
	if err := validatePayload(p); err != nil {
		g.observe(source, OutcomeRejected)
		g.logger.Warn().Err(err).Msg("lab result rejected")
		return rejected(err), nil
	}

	obs, err := observation.NewLabObservation(observation.Fields{
		PatientExternalID: fmt.Sprint(*p.PatientID),
		Code:              strings.TrimSpace(p.ExamCode),
		Value:             *p.Value,
		Unit:              strings.TrimSpace(p.Unit),
		SourceSystem:      strings.TrimSpace(p.SourceSystem),
		ObservedAt:        g.now(),
	})
	if err != nil {
		verr := &ValidationError{Field: "payload", Reason: err.Error()}
		g.observe(source, OutcomeRejected)
		return rejected(verr), nil
	}

	sv := ingressSourceValue(obs.SourceSystem, obs.Code, obs.Value, obs.Unit)
	res, err := g.store(ctx, source, []observation.LabObservation{obs}, sv)
	if err != nil {
		return Result{}, err
	}
	res.Detail = fmt.Sprintf("Dado de %s integrado (%s)", obs.SourceSystem, res.Detail)
	return res, nil
}

// IngestHL7 parses one raw message and stores every numeric observation in
// it. A message that does not parse is rejected and nothing is written.
func (g *Gateway) IngestHL7(ctx context.Context, source string, raw []byte) (Result, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return g.dropUnparseable(source, &observation.ParseError{Reason: err.Error(), Raw: raw}), nil
	}
	return g.ingestMessage(ctx, source, msg, raw)
}

func (g *Gateway) dropUnparseable(source string, err error) Result {
	g.observe(source, OutcomeParseError)
	g.logger.Warn().Err(err).Str("source", source).Msg("dropping unparseable message")
	return rejected(err)
}

func (g *Gateway) ingestMessage(ctx context.Context, source string, msg *hl7v2.Message, raw []byte) (Result, error) {
	parsed, err := g.parser.FromMessage(msg, raw)
	if err != nil {
		return g.dropUnparseable(source, err), nil
	}

	log := g.logger.With().Str("control_id", parsed.ControlID).Str("source_system", parsed.SourceSystem).Logger()
	res, err := g.store(ctx, source, parsed.Observations, "")
	if err != nil {
		log.Error().Err(err).Msg("message not stored")
		return Result{}, err
	}
	log.Debug().Int("inserted", res.Inserted).Int("duplicates", res.Duplicates).Msg("message ingested")
	return res, nil
}

func (g *Gateway) store(ctx context.Context, source string, obs []observation.LabObservation, sourceValue string) (Result, error) {
	res := Result{Status: StatusReceived}
	for _, o := range obs {
		outcome, err := g.episodes.Insert(ctx, episode.NewLabEpisode(o, sourceValue))
		if err != nil {
			if errors.Is(err, episode.ErrInvalidEpisode) {
				g.observe(source, OutcomeRejected)
				return rejected(&ValidationError{Field: "episode", Reason: err.Error()}), nil
			}
			g.observe(source, OutcomeStoreFailed)
			return Result{}, fmt.Errorf("store observation %s for patient %s: %w", o.Code, o.PatientExternalID, err)
		}
		if outcome == episode.AlreadyExists {
			res.Duplicates++
		} else {
			res.Inserted++
		}
		g.logger.Info().Str("patient_id", o.PatientExternalID).Str("code", o.Code).
			Str("source_system", o.SourceSystem).Stringer("outcome", outcome).Msg("lab observation stored")
	}

	switch {
	case res.Inserted > 0:
		g.observe(source, OutcomeInserted)
	default:
		g.observe(source, OutcomeDuplicate)
	}
	res.Detail = fmt.Sprintf("%d inserted, %d already present", res.Inserted, res.Duplicates)
	return res, nil
}
