package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopharm/cdss/internal/domain/episode"
	"github.com/oncopharm/cdss/internal/domain/observation"
	"github.com/oncopharm/cdss/internal/platform/hl7v2"
)

var ingestTime = time.Date(2025, 12, 6, 9, 30, 0, 0, time.UTC)

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (o *recordingObserver) MessageIngested(source, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[source+"/"+outcome]++
}

func (o *recordingObserver) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[key]
}

type unavailableEpisodes struct{}

func (unavailableEpisodes) Insert(context.Context, *episode.Episode) (episode.InsertOutcome, error) {
	return 0, &episode.UnavailableError{Op: "insert", Attempts: 3, Err: errors.New("connection refused")}
}

func newTestGateway(episodes Episodes, obs Observer) *Gateway {
	return NewGateway(episodes, func() time.Time { return ingestTime }, obs, zerolog.Nop())
}

func oruMessage(t *testing.T, pid int64, code string, value float64) []byte {
	t.Helper()
	raw, err := hl7v2.GenerateORU(hl7v2.Header{
		SendingApp: "TASY",
		SendingFac: "HOSPITAL",
		ControlID:  "MSG" + strconv.FormatInt(pid, 10),
		Timestamp:  ingestTime,
	}, strconv.FormatInt(pid, 10), "", []hl7v2.LabResult{{
		Code: code, Name: "Creatinina Serica", Value: value, Unit: "mg/dL", AbnormalFlag: "H", ObservedAt: ingestTime,
	}})
	if err != nil {
		t.Fatalf("GenerateORU: %v", err)
	}
	return raw
}

func ptr[T any](v T) *T { return &v }

func TestGateway_Submit(t *testing.T) {
	repo := episode.NewMemoryRepo()
	obs := &recordingObserver{}
	g := newTestGateway(repo, obs)

	res, err := g.Submit(context.Background(), LabResultPayload{
		PatientID: ptr(int64(1001)), ExamCode: "CREAT", Value: ptr(1.9), Unit: "mg/dL", SourceSystem: "MV",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != StatusReceived || res.Inserted != 1 {
		t.Fatalf("expected received, got %+v", res)
	}

	eps, _ := repo.ListByPatient(context.Background(), 1001)
	if len(eps) != 1 {
		t.Fatalf("expected one episode, got %d", len(eps))
	}
	e := eps[0]
	if e.SourceValue != "API (MV): CREAT = 1.9 mg/dL" {
		t.Errorf("unexpected source value %q", e.SourceValue)
	}
	if e.Number != episode.NumberIntegratedResult || !e.StartDateTime.Equal(ingestTime) {
		t.Errorf("unexpected episode %+v", e)
	}
	if obs.count("api/inserted") != 1 {
		t.Errorf("expected observer call, got %v", obs.calls)
	}
}

func TestGateway_Submit_Validation(t *testing.T) {
	repo := episode.NewMemoryRepo()
	g := newTestGateway(repo, nil)

	tests := []struct {
		name  string
		p     LabResultPayload
		field string
	}{
		{"missing patient", LabResultPayload{ExamCode: "CREAT", Value: ptr(1.0), SourceSystem: "MV"}, "patient_id"},
		{"negative patient", LabResultPayload{PatientID: ptr(int64(-1)), ExamCode: "CREAT", Value: ptr(1.0), SourceSystem: "MV"}, "patient_id"},
		{"missing code", LabResultPayload{PatientID: ptr(int64(1)), Value: ptr(1.0), SourceSystem: "MV"}, "exam_code"},
		{"missing value", LabResultPayload{PatientID: ptr(int64(1)), ExamCode: "CREAT", SourceSystem: "MV"}, "value"},
		{"missing source", LabResultPayload{PatientID: ptr(int64(1)), ExamCode: "CREAT", Value: ptr(1.0)}, "source_system"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := g.Submit(context.Background(), tt.p)
			if err != nil {
				t.Fatalf("validation must not be an error: %v", err)
			}
			if res.Status != StatusRejected {
				t.Fatalf("expected rejected, got %+v", res)
			}
			var verr *ValidationError
			if !errors.As(res.Err, &verr) || verr.Field != tt.field {
				t.Errorf("expected ValidationError on %s, got %v", tt.field, res.Err)
			}
		})
	}

	if eps, _ := repo.ListByPatient(context.Background(), 1); len(eps) != 0 {
		t.Errorf("rejected payloads must not be stored, got %d", len(eps))
	}
}

func TestGateway_Submit_StoreUnavailable(t *testing.T) {
	g := newTestGateway(unavailableEpisodes{}, nil)
	_, err := g.Submit(context.Background(), LabResultPayload{
		PatientID: ptr(int64(1001)), ExamCode: "CREAT", Value: ptr(1.1), SourceSystem: "MV",
	})
	if !errors.Is(err, episode.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGateway_IngestHL7_DuplicateMessage(t *testing.T) {
	repo := episode.NewMemoryRepo()
	obs := &recordingObserver{}
	g := newTestGateway(repo, obs)
	raw := oruMessage(t, 99999, "CREAT", 1.9)

	for i := 0; i < 2; i++ {
		if _, err := g.IngestHL7(context.Background(), "test", raw); err != nil {
			t.Fatalf("IngestHL7: %v", err)
		}
	}

	eps, _ := repo.ListByPatient(context.Background(), 99999)
	if len(eps) != 1 {
		t.Fatalf("expected one episode for a repeated message, got %d", len(eps))
	}
	if eps[0].SourceValue != "CREAT = 1.9 mg/dL" {
		t.Errorf("unexpected source value %q", eps[0].SourceValue)
	}
	if obs.count("test/inserted") != 1 || obs.count("test/duplicate") != 1 {
		t.Errorf("unexpected observer calls %v", obs.calls)
	}
}

func TestGateway_IngestHL7_ParseError(t *testing.T) {
	repo := episode.NewMemoryRepo()
	g := newTestGateway(repo, nil)

	res, err := g.IngestHL7(context.Background(), "test", []byte("MSH|^~\\&|TASY\rOBX|1|NM|CREAT||1.2"))
	if err != nil {
		t.Fatalf("parse failures must not be errors: %v", err)
	}
	var perr *observation.ParseError
	if res.Status != StatusRejected || !errors.As(res.Err, &perr) {
		t.Errorf("expected rejected with ParseError, got %+v", res)
	}

	res, _ = g.IngestHL7(context.Background(), "test", []byte("not hl7"))
	if !errors.As(res.Err, &perr) {
		t.Errorf("expected ParseError for garbage, got %v", res.Err)
	}
}
