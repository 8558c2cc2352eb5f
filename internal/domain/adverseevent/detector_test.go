package adverseevent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func terms(fs []Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Term
	}
	return out
}

func TestAnalyze_FeverAndRash(t *testing.T) {
	d := NewDetector(DefaultTerminology())
	text := "Relata febre noturna e leve rash nos braços"

	got := d.Analyze(text)
	if strings.Join(terms(got), ",") != "febre,rash" {
		t.Fatalf("expected [febre rash], got %v", terms(got))
	}
	for _, f := range got {
		if f.Grade != GradeLow {
			t.Errorf("%s: expected grade 1/2, got %s", f.Term, f.Grade)
		}
		if f.Origin != OriginRule {
			t.Errorf("%s: expected rule origin, got %s", f.Term, f.Origin)
		}
	}
	if got[0].RiskLevel != RiskMedium || got[0].SuggestedAction != "Investigar Infecção" {
		t.Errorf("unexpected febre entry %+v", got[0])
	}
	if span := got[1].MatchedSpan; span == nil || text[span.Start:span.End] != "rash" {
		t.Errorf("unexpected rash span %+v", got[1].MatchedSpan)
	}
}

func TestAnalyze_CanonicalOrderIgnoresTextOrder(t *testing.T) {
	d := NewDetector(DefaultTerminology())
	got := d.Analyze("sangramento gengival, depois febre e NEUTROPENIA")
	want := "neutropenia,febre,sangramento"
	if strings.Join(terms(got), ",") != want {
		t.Errorf("expected %s, got %v", want, terms(got))
	}
}

func TestAnalyze_WholeWordOnly(t *testing.T) {
	d := NewDetector(DefaultTerminology())
	tests := []struct {
		text string
		want string
	}{
		{"", ""},
		{"paciente sem queixas", ""},
		{"febres recorrentes", ""},
		{"antifebre", ""},
		{"rashes", ""},
		{"Febre.", "febre"},
		{"(rash)", "rash"},
		{"FEBRE", "febre"},
		{"quadro de diarréia leve", "diarreia"},
		{"diarreia2", ""},
		{"neuropatia_periférica", ""},
	}
	for _, tt := range tests {
		if got := strings.Join(terms(d.Analyze(tt.text)), ","); got != tt.want {
			t.Errorf("Analyze(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestAnalyze_SpanWithMultibyteText(t *testing.T) {
	d := NewDetector(DefaultTerminology())
	text := "Ação: observar NEUTROPENIA"
	got := d.Analyze(text)
	if len(got) != 1 {
		t.Fatalf("expected one finding, got %v", terms(got))
	}
	if s := got[0].MatchedSpan; text[s.Start:s.End] != "NEUTROPENIA" || s.Text != "NEUTROPENIA" {
		t.Errorf("span does not point at the original text: %+v", s)
	}
}

func TestAnalyze_EmptyIsNonNil(t *testing.T) {
	if got := NewDetector(DefaultTerminology()).Analyze(""); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestDefaultTerminology_CanonicalTable(t *testing.T) {
	entries := DefaultTerminology().Entries()
	want := []struct {
		term  string
		grade Grade
		risk  RiskLevel
	}{
		{"neutropenia", GradeHigh, RiskHigh},
		{"febre", GradeLow, RiskMedium},
		{"rash", GradeLow, RiskLow},
		{"diarreia", GradeLow, RiskMedium},
		{"neuropatia", GradeLow, RiskLow},
		{"sangramento", GradeHigh, RiskHigh},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, w := range want {
		e := entries[i]
		if e.Term != w.term || e.Grade != w.grade || e.RiskLevel != w.risk {
			t.Errorf("entry %d = %+v, want %+v", i, e, w)
		}
	}
}

func TestNewTerminology_Validation(t *testing.T) {
	valid := Entry{Term: "mucosite", Grade: GradeLow, RiskLevel: RiskMedium, SuggestedAction: "Higiene oral"}
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"empty", nil},
		{"no term", []Entry{{Grade: GradeLow, RiskLevel: RiskLow, SuggestedAction: "x"}}},
		{"bad grade", []Entry{{Term: "x", Grade: "2", RiskLevel: RiskLow, SuggestedAction: "x"}}},
		{"bad risk", []Entry{{Term: "x", Grade: GradeLow, RiskLevel: "Extremo", SuggestedAction: "x"}}},
		{"no action", []Entry{{Term: "x", Grade: GradeLow, RiskLevel: RiskLow}}},
		{"duplicate", []Entry{valid, valid}},
		{"alias clash", []Entry{valid, {Term: "y", Grade: GradeLow, RiskLevel: RiskLow, SuggestedAction: "x", Aliases: []string{"Mucosite"}}}},
	}
	for _, tt := range tests {
		if _, err := NewTerminology(tt.entries); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := NewTerminology([]Entry{valid}); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}
}

func TestLoadTerminology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ae.yaml")
	yaml := "terms:\n  - term: mucosite\n    grade: \"3/4\"\n    risk_level: Alto\n    suggested_action: Avaliar suporte nutricional\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := LoadTerminology(path)
	if err != nil {
		t.Fatalf("LoadTerminology: %v", err)
	}
	got := NewDetector(table).Analyze("mucosite e febre")
	if len(got) != 1 || got[0].Term != "mucosite" || !got[0].Grade.High() {
		t.Errorf("expected only the file's term, got %+v", got)
	}

	if _, err := LoadTerminology(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if def, err := LoadTerminology(""); err != nil || def.Rank("febre") != 1 {
		t.Errorf("empty path should select the built-in table, got err=%v", err)
	}
}

func TestCombine_FirstSourceWins(t *testing.T) {
	table := DefaultTerminology()
	external, err := NormalizeExternal(table, []Finding{
		{Term: "Febre", Grade: GradeHigh},
		{Term: "mucosite", Grade: GradeLow, RiskLevel: RiskMedium},
	})
	if err != nil {
		t.Fatalf("NormalizeExternal: %v", err)
	}

	got, err := Combine(context.Background(), "febre e rash", NewDetector(table), external)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if strings.Join(terms(got), ",") != "febre,rash,mucosite" {
		t.Fatalf("unexpected terms %v", terms(got))
	}
	if got[0].Grade != GradeLow || got[0].Origin != OriginRule {
		t.Errorf("expected the detector's febre to win, got %+v", got[0])
	}
	if got[2].Origin != OriginExternal {
		t.Errorf("expected external origin, got %q", got[2].Origin)
	}
}

func TestNormalizeExternal(t *testing.T) {
	table := DefaultTerminology()
	got, err := NormalizeExternal(table, []Finding{{Term: " sangramento "}})
	if err != nil {
		t.Fatalf("NormalizeExternal: %v", err)
	}
	if got[0].Term != "sangramento" || got[0].Grade != GradeHigh || got[0].SuggestedAction != "URGENTE: Coagulograma" {
		t.Errorf("expected table defaults, got %+v", got[0])
	}

	if _, err := NormalizeExternal(table, []Finding{{Term: "desconhecido"}}); err == nil {
		t.Error("expected error for unknown term without grade")
	}
	if _, err := NormalizeExternal(table, []Finding{{Grade: GradeLow}}); err == nil {
		t.Error("expected error for missing term")
	}
}
