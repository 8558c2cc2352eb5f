package adverseevent

import (
	"context"
	"unicode"
	"unicode/utf8"
)

// Finding origins.
const (
	OriginRule     = "rule"
	OriginExternal = "external"
)

// Span locates a match in the analyzed text (byte offsets, end exclusive).
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Finding is one adverse event recognized in a note.
type Finding struct {
	Term            string    `json:"term"`
	Grade           Grade     `json:"grade"`
	RiskLevel       RiskLevel `json:"risk_level"`
	SuggestedAction string    `json:"suggested_action"`
	MatchedSpan     *Span     `json:"matched_span,omitempty"`
	Origin          string    `json:"origin"`
}

// Detector finds terminology terms in free text.
type Detector struct {
	table *Terminology
}

// NewDetector returns a Detector over table.
func NewDetector(table *Terminology) *Detector {
	return &Detector{table: table}
}

// Terminology returns the table the detector matches against.
func (d *Detector) Terminology() *Terminology { return d.table }

// Analyze returns one finding per table term that occurs in text as a whole
// word (case-insensitive, Unicode letters and digits delimit words). Findings
// follow the table's canonical order; the span is the first occurrence.
// Empty text yields an empty, non-nil slice.
func (d *Detector) Analyze(text string) []Finding {
	findings := []Finding{}
	if text == "" {
		return findings
	}

	runes, offsets := lowerWithOffsets(text)
	for i, e := range d.table.entries {
		for _, pat := range d.table.pattern[i] {
			start, ok := indexWord(runes, pat)
			if !ok {
				continue
			}
			b0, b1 := offsets[start], offsets[start+len(pat)]
			findings = append(findings, Finding{
				Term:            e.Term,
				Grade:           e.Grade,
				RiskLevel:       e.RiskLevel,
				SuggestedAction: e.SuggestedAction,
				MatchedSpan:     &Span{Start: b0, End: b1, Text: text[b0:b1]},
				Origin:          OriginRule,
			})
			break
		}
	}
	return findings
}

// Findings implements FindingSource.
func (d *Detector) Findings(_ context.Context, text string) ([]Finding, error) {
	return d.Analyze(text), nil
}

// lowerWithOffsets lower-cases text rune by rune and records the byte offset
// of each rune, plus len(text) as a final sentinel.
func lowerWithOffsets(text string) ([]rune, []int) {
	runes := make([]rune, 0, len(text))
	offsets := make([]int, 0, len(text)+1)
	for i, r := range text {
		runes = append(runes, unicode.ToLower(r))
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))
	return runes, offsets
}

func lowerRunes(s string) []rune {
	out := make([]rune, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, unicode.ToLower(r))
	}
	return out
}

// indexWord returns the first position where pat occurs in text bounded by
// non-word runes or the ends of the text.
func indexWord(text, pat []rune) (int, bool) {
	if len(pat) == 0 || len(pat) > len(text) {
		return 0, false
	}
	for i := 0; i+len(pat) <= len(text); i++ {
		if !equalAt(text, pat, i) {
			continue
		}
		if i > 0 && isWordRune(text[i-1]) {
			continue
		}
		if end := i + len(pat); end < len(text) && isWordRune(text[end]) {
			continue
		}
		return i, true
	}
	return 0, false
}

func equalAt(text, pat []rune, at int) bool {
	for j, r := range pat {
		if text[at+j] != r {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || r == '_'
}
