package adverseevent

import (
	"context"
	"fmt"
	"strings"
)

// FindingSource produces findings for a note. The rule-based Detector is one
// implementation; externally computed findings (for example from a learned
// extractor) enter through StaticFindings.
type FindingSource interface {
	Findings(ctx context.Context, text string) ([]Finding, error)
}

// StaticFindings is a FindingSource that returns a fixed set of findings
// regardless of the text.
type StaticFindings []Finding

func (s StaticFindings) Findings(context.Context, string) ([]Finding, error) {
	out := make([]Finding, len(s))
	copy(out, s)
	return out, nil
}

// NormalizeExternal validates externally supplied findings and fills gaps
// from the table: a known term without grade, risk level or action takes the
// table's values; an unknown term must carry a valid grade.
func NormalizeExternal(table *Terminology, in []Finding) (StaticFindings, error) {
	out := make(StaticFindings, 0, len(in))
	for i, f := range in {
		f.Term = strings.ToLower(strings.TrimSpace(f.Term))
		if f.Term == "" {
			return nil, fmt.Errorf("finding %d: term is required", i+1)
		}
		if e, ok := table.Lookup(f.Term); ok {
			if f.Grade == "" {
				f.Grade = e.Grade
			}
			if f.RiskLevel == "" {
				f.RiskLevel = e.RiskLevel
			}
			if f.SuggestedAction == "" {
				f.SuggestedAction = e.SuggestedAction
			}
		}
		if f.Grade != GradeLow && f.Grade != GradeHigh {
			return nil, fmt.Errorf("finding %q: grade must be %q or %q", f.Term, GradeLow, GradeHigh)
		}
		if f.Origin == "" {
			f.Origin = OriginExternal
		}
		out = append(out, f)
	}
	return out, nil
}

// Combine collects findings from every source in order, keeping the first
// finding seen for each term.
func Combine(ctx context.Context, text string, sources ...FindingSource) ([]Finding, error) {
	out := []Finding{}
	seen := make(map[string]bool)
	for _, src := range sources {
		if src == nil {
			continue
		}
		fs, err := src.Findings(ctx, text)
		if err != nil {
			return nil, err
		}
		for _, f := range fs {
			key := strings.ToLower(f.Term)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out, nil
}
