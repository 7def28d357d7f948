// Package fusion merges the email-derived and OCR-derived field extractions
// for a job into a single record with per-field confidence and provenance.
package fusion

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
)

// numberTolerance is the maximum absolute difference for two numeric values
// to count as agreeing.
const numberTolerance = 0.01

// MatchResult reports whether two field values agree and how similar they are.
type MatchResult struct {
	Agrees     bool
	Similarity float64
	// Exact is true for identity matches (normalized-equal strings, equal
	// dates, numbers within tolerance). Fuzzy string matches leave it false.
	Exact bool
}

// Matcher decides whether two values of the same declared type agree.
type Matcher struct {
	fuzzyThreshold float64
	fold           cases.Caser
	params         *levenshtein.Params
}

// NewMatcher creates a Matcher with the given fuzzy string threshold.
// A threshold <= 0 falls back to 0.85.
func NewMatcher(fuzzyThreshold float64) *Matcher {
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = 0.85
	}
	return &Matcher{
		fuzzyThreshold: fuzzyThreshold,
		fold:           cases.Fold(),
		params:         levenshtein.NewParams(),
	}
}

// MatchNumbers reports agreement for two numeric values.
func (m *Matcher) MatchNumbers(a, b any) MatchResult {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return MatchResult{}
	}
	if math.Abs(fa-fb) < numberTolerance {
		return MatchResult{Agrees: true, Similarity: 1.0, Exact: true}
	}
	return MatchResult{}
}

// MatchDates reports agreement for two date values. Time-of-day is ignored.
func (m *Matcher) MatchDates(a, b any) MatchResult {
	ta, okA := toDate(a)
	tb, okB := toDate(b)
	if !okA || !okB {
		return MatchResult{}
	}
	ya, ma, da := ta.Date()
	yb, mb, db := tb.Date()
	if ya == yb && ma == mb && da == db {
		return MatchResult{Agrees: true, Similarity: 1.0, Exact: true}
	}
	return MatchResult{}
}

// MatchStrings reports agreement for two string values. Normalized-equal
// strings match exactly; otherwise a normalized edit similarity is compared
// against the fuzzy threshold.
func (m *Matcher) MatchStrings(a, b any) MatchResult {
	sa, okA := toString(a)
	sb, okB := toString(b)
	if !okA || !okB {
		return MatchResult{}
	}
	na := m.normalize(sa)
	nb := m.normalize(sb)
	if na == nb {
		return MatchResult{Agrees: true, Similarity: 1.0, Exact: true}
	}
	sim := levenshtein.Similarity(na, nb, m.params)
	return MatchResult{Agrees: sim >= m.fuzzyThreshold, Similarity: sim}
}

// normalize folds case and collapses runs of whitespace to single spaces.
func (m *Matcher) normalize(s string) string {
	return strings.Join(strings.Fields(m.fold.String(s)), " ")
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return s, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		cleaned = strings.TrimPrefix(cleaned, "$")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"02.01.2006",
}

func toDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
