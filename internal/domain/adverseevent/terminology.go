package adverseevent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Grade is a CTCAE severity band.
type Grade string

const (
	GradeLow  Grade = "1/2"
	GradeHigh Grade = "3/4"
)

// High reports whether the grade is 3 or 4.
func (g Grade) High() bool { return g == GradeHigh }

// RiskLevel is the pharmacist-facing risk label.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Baixo"
	RiskMedium RiskLevel = "Médio"
	RiskHigh   RiskLevel = "Alto"
)

// Entry is one row of the terminology table.
type Entry struct {
	Term            string    `yaml:"term" json:"term"`
	Grade           Grade     `yaml:"grade" json:"grade"`
	RiskLevel       RiskLevel `yaml:"risk_level" json:"risk_level"`
	SuggestedAction string    `yaml:"suggested_action" json:"suggested_action"`
	Aliases         []string  `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Terminology is an ordered, immutable term table. The declared order is the
// canonical order findings are reported in.
type Terminology struct {
	entries []Entry
	pattern [][][]rune // per entry: lower-cased term followed by aliases
}

//go:embed terminology.yaml
var defaultTable []byte

type tableFile struct {
	Terms []Entry `yaml:"terms"`
}

// NewTerminology validates entries and builds the table.
func NewTerminology(entries []Entry) (*Terminology, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("terminology: table is empty")
	}

	t := &Terminology{}
	seen := make(map[string]string)
	for i, e := range entries {
		e.Term = strings.TrimSpace(e.Term)
		if e.Term == "" {
			return nil, fmt.Errorf("terminology: entry %d: term is required", i+1)
		}
		if e.Grade != GradeLow && e.Grade != GradeHigh {
			return nil, fmt.Errorf("terminology: %s: grade must be %q or %q, got %q", e.Term, GradeLow, GradeHigh, e.Grade)
		}
		switch e.RiskLevel {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return nil, fmt.Errorf("terminology: %s: unknown risk level %q", e.Term, e.RiskLevel)
		}
		if strings.TrimSpace(e.SuggestedAction) == "" {
			return nil, fmt.Errorf("terminology: %s: suggested action is required", e.Term)
		}

		var pats [][]rune
		for _, word := range append([]string{e.Term}, e.Aliases...) {
			key := strings.ToLower(strings.TrimSpace(word))
			if key == "" {
				continue
			}
			if owner, dup := seen[key]; dup {
				return nil, fmt.Errorf("terminology: %q listed for both %s and %s", key, owner, e.Term)
			}
			seen[key] = e.Term
			pats = append(pats, lowerRunes(key))
		}

		e.Aliases = append([]string(nil), e.Aliases...)
		t.entries = append(t.entries, e)
		t.pattern = append(t.pattern, pats)
	}
	return t, nil
}

// ParseTerminology decodes a YAML table.
func ParseTerminology(data []byte) (*Terminology, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("terminology: decode yaml: %w", err)
	}
	return NewTerminology(f.Terms)
}

// DefaultTerminology returns the built-in table.
func DefaultTerminology() *Terminology {
	t, err := ParseTerminology(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded terminology is invalid: %v", err))
	}
	return t
}

// LoadTerminology reads a table from path. An empty path selects the built-in
// table; a path that cannot be read or parsed is an error, never a silent
// fallback.
func LoadTerminology(path string) (*Terminology, error) {
	if path == "" {
		return DefaultTerminology(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("terminology: read %s: %w", path, err)
	}
	return ParseTerminology(data)
}

// Entries returns a copy of the table in canonical order.
func (t *Terminology) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of terms.
func (t *Terminology) Len() int { return len(t.entries) }

// Rank returns the canonical position of term, or -1.
func (t *Terminology) Rank(term string) int {
	for i, e := range t.entries {
		if strings.EqualFold(e.Term, term) {
			return i
		}
	}
	return -1
}

// Lookup returns the entry for term.
func (t *Terminology) Lookup(term string) (Entry, bool) {
	if i := t.Rank(term); i >= 0 {
		return t.entries[i], true
	}
	return Entry{}, false
}
