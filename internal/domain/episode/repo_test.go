package episode

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oncopharm/cdss/internal/domain/observation"
)

// repoFactories lists the backends that run the shared Repository contract.
func repoFactories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository { return NewMemoryRepo() },
		"sqlite": func(t *testing.T) Repository {
			repo, closeFn, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "episodes.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { closeFn() })
			return repo
		},
	}
}

func labEpisode(t *testing.T, pid, code string, value float64, at time.Time) *Episode {
	t.Helper()
	obs, err := observation.NewLabObservation(observation.Fields{
		PatientExternalID: pid, Code: code, Value: value, Unit: "mg/dL",
		SourceSystem: "TASY", ObservedAt: at,
	})
	if err != nil {
		t.Fatalf("NewLabObservation: %v", err)
	}
	return NewLabEpisode(obs, "")
}

var day = time.Date(2025, 12, 6, 8, 0, 0, 0, time.UTC)

func TestRepository_InsertIdempotent(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()

			first, err := repo.Insert(ctx, labEpisode(t, "99999", "CREAT", 1.9, day))
			if err != nil {
				t.Fatalf("first insert: %v", err)
			}
			if first != Inserted {
				t.Errorf("expected Inserted, got %v", first)
			}

			again := labEpisode(t, "99999", "CREAT", 1.9, day.Add(3*time.Hour))
			second, err := repo.Insert(ctx, again)
			if err != nil {
				t.Fatalf("second insert: %v", err)
			}
			if second != AlreadyExists {
				t.Errorf("expected AlreadyExists, got %v", second)
			}

			eps, err := repo.ListByPatient(ctx, 99999)
			if err != nil {
				t.Fatalf("ListByPatient: %v", err)
			}
			if len(eps) != 1 {
				t.Fatalf("expected 1 episode, got %d", len(eps))
			}
			e := eps[0]
			if e.ConceptID != ConceptLabResult || e.Number != NumberIntegratedResult {
				t.Errorf("unexpected concept/number %d/%d", e.ConceptID, e.Number)
			}
			if e.SourceValue != "CREAT = 1.9 mg/dL" {
				t.Errorf("unexpected source value %q", e.SourceValue)
			}
			if e.ObjectConceptID != 0 || e.TypeConceptID != 0 {
				t.Errorf("expected zero object/type concepts, got %d/%d", e.ObjectConceptID, e.TypeConceptID)
			}
			if !e.StartDate.Equal(time.Date(2025, 12, 6, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("unexpected start date %v", e.StartDate)
			}
			if e.SourceSystem == nil || *e.SourceSystem != "TASY" {
				t.Errorf("expected source system TASY, got %v", e.SourceSystem)
			}
		})
	}
}

func TestRepository_ListOrdering(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()

			// Same start time for the last two: the higher id must come first.
			inserts := []*Episode{
				labEpisode(t, "1001", "CREAT", 1.0, day),
				labEpisode(t, "1001", "CREAT", 1.4, day.Add(2*time.Hour)),
				NewNoteEpisode(1001, "paciente estável", day.Add(2*time.Hour)),
				labEpisode(t, "1002", "CREAT", 3.0, day.Add(5*time.Hour)),
			}
			for _, e := range inserts {
				if _, err := repo.Insert(ctx, e); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			eps, err := repo.ListByPatient(ctx, 1001)
			if err != nil {
				t.Fatalf("ListByPatient: %v", err)
			}
			if len(eps) != 3 {
				t.Fatalf("expected 3 episodes for 1001, got %d", len(eps))
			}
			if !eps[0].IsNote() || *eps[1].ValueAsNumber != 1.4 || *eps[2].ValueAsNumber != 1.0 {
				t.Errorf("unexpected order: %q, %q, %q", eps[0].SourceValue, eps[1].SourceValue, eps[2].SourceValue)
			}
			for i := 1; i < len(eps); i++ {
				if Before(eps[i-1], eps[i]) {
					t.Errorf("episode %d sorts before episode %d", i-1, i)
				}
			}

			none, err := repo.ListByPatient(ctx, 4242)
			if err != nil {
				t.Fatalf("ListByPatient: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected no episodes, got %d", len(none))
			}
		})
	}
}

func TestRepository_LatestValue(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo(t)
			ctx := context.Background()

			if _, ok, err := repo.LatestValue(ctx, 1003, ConceptClassRenal); err != nil || ok {
				t.Fatalf("expected no value for empty log, got ok=%v err=%v", ok, err)
			}

			for _, e := range []*Episode{
				labEpisode(t, "1003", "CREAT", 0.9, day),
				labEpisode(t, "1003", "2160-0", 2.1, day.Add(time.Hour)),
				labEpisode(t, "1003", "HEMOG", 9.5, day.Add(2*time.Hour)),
			} {
				if _, err := repo.Insert(ctx, e); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			obs, ok, err := repo.LatestValue(ctx, 1003, ConceptClassRenal)
			if err != nil || !ok {
				t.Fatalf("expected a renal value, got ok=%v err=%v", ok, err)
			}
			if obs.Code != "2160-0" || obs.Value != 2.1 || obs.Unit != "mg/dL" {
				t.Errorf("unexpected latest renal value %+v", obs)
			}
		})
	}
}

func TestRepository_RejectsInvalid(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newRepo(t).Insert(context.Background(), &Episode{PersonID: 1, ConceptID: ConceptLabResult})
			if !errors.Is(err, ErrInvalidEpisode) {
				t.Errorf("expected ErrInvalidEpisode, got %v", err)
			}
		})
	}
}

func TestMemoryRepo_CopyOnRead(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	repo.Insert(ctx, labEpisode(t, "1001", "CREAT", 1.0, day))

	eps, _ := repo.ListByPatient(ctx, 1001)
	*eps[0].ValueAsNumber = 99
	eps[0].SourceValue = "tampered"

	again, _ := repo.ListByPatient(ctx, 1001)
	if *again[0].ValueAsNumber != 1.0 || again[0].SourceValue == "tampered" {
		t.Error("stored episode was mutated through a read result")
	}
}

func TestDedupeKey(t *testing.T) {
	a := DedupeKey(1, "CREAT = 1.9 mg/dL", day)
	if a != DedupeKey(1, "CREAT = 1.9 mg/dL", day.Add(10*time.Hour)) {
		t.Error("same day should produce the same key")
	}
	if a == DedupeKey(1, "CREAT = 1.9 mg/dL", day.Add(24*time.Hour)) {
		t.Error("different day should produce a different key")
	}
	if a == DedupeKey(2, "CREAT = 1.9 mg/dL", day) {
		t.Error("different person should produce a different key")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestNoteEpisodes_RepeatedTextSameDay(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	notes := []struct {
		text string
		at   time.Time
	}{
		{"febre", day.Add(8 * time.Hour)},
		{"sem queixas", day.Add(10 * time.Hour)},
		{"febre", day.Add(12 * time.Hour)},
	}
	for _, n := range notes {
		outcome, err := repo.Insert(ctx, NewNoteEpisode(7, n.text, n.at))
		if err != nil || outcome != Inserted {
			t.Fatalf("insert %q at %v: %v %v", n.text, n.at, outcome, err)
		}
	}

	eps, err := repo.ListByPatient(ctx, 7)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if len(eps) != 3 || eps[0].SourceValue != "febre" {
		t.Errorf("expected three notes with febre latest, got %d", len(eps))
	}

	again, _ := repo.Insert(ctx, NewNoteEpisode(7, "febre", day.Add(12*time.Hour)))
	if again != AlreadyExists {
		t.Errorf("same note at the same instant should dedupe, got %v", again)
	}
}

func TestAcknowledgmentEpisodesAreDistinct(t *testing.T) {
	a := NewAcknowledgmentEpisode(1, "Dr. Ana", "ciente", day)
	b := NewAcknowledgmentEpisode(1, "Dr. Ana", "ciente", day.Add(time.Minute))
	if a.DedupeKey() == b.DedupeKey() {
		t.Error("two acknowledgments at different times must not dedupe")
	}
	if !a.IsAcknowledgment() || a.Number != NumberRecord {
		t.Errorf("unexpected acknowledgment episode %+v", a)
	}
}
