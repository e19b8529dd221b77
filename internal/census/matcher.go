package census

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Strategy names one way of comparing a requested label path with a
// candidate variable's label path.
type Strategy int

// Strategies in the order the matcher tries them.
const (
	// Strict requires the same parts in the same order.
	Strict Strategy = iota
	// Exact requires the same set of parts in any order.
	Exact
	// Superset accepts candidates containing every requested part.
	Superset
	// Subset accepts candidates whose parts are all requested.
	Subset
	// WithinTolerance accepts candidates whose symmetric difference with the
	// request is at most the matcher's tolerance.
	WithinTolerance
)

var strategyNames = map[Strategy]string{
	Strict:          "strict",
	Exact:           "exact",
	Superset:        "superset",
	Subset:          "subset",
	WithinTolerance: "within-tolerance",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// LabelSep separates the parts of a variable label path.
const LabelSep = "!!"

// MatchResult is the outcome of a successful match. Variables are ordered
// best first: smallest label-size difference, then code.
type MatchResult struct {
	Strategy  Strategy
	Distance  int
	Variables []string
}

// Best returns the preferred variable.
func (r MatchResult) Best() string { return r.Variables[0] }

// NoMatchError reports a label that no strategy could match.
type NoMatchError struct {
	Label string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("census: no variable matches label %q", e.Label)
}

// Matcher compares label paths with ordered strategies.
type Matcher struct {
	// Tolerance is the largest symmetric difference WithinTolerance accepts.
	Tolerance int
}

// NewMatcher returns a matcher with the given tolerance.
func NewMatcher(tolerance int) *Matcher {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Matcher{Tolerance: tolerance}
}

// SplitLabel splits a label path into normalised parts. Parts are NFKC
// normalised, case folded, trimmed of whitespace and trailing colons, and
// empty parts are dropped.
func (m *Matcher) SplitLabel(label string) []string {
	raw := strings.Split(label, LabelSep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = m.normalise(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (m *Matcher) normalise(s string) string {
	return strings.TrimSpace(strings.TrimRight(normaliseText(s), ":"))
}

// normaliseText applies NFKC, case folding and whitespace collapsing. A Caser
// is built per call since Casers are stateful.
func normaliseText(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Match tries each strategy in priority order against candidates (variable
// code to label) and returns the first non-empty result.
func (m *Matcher) Match(label string, candidates map[string]string) (MatchResult, error) {
	want := m.SplitLabel(label)
	if len(want) == 0 {
		return MatchResult{}, &NoMatchError{Label: label}
	}
	wantSet := toSet(want)

	parsed := make(map[string][]string, len(candidates))
	for code, l := range candidates {
		parsed[code] = m.SplitLabel(l)
	}

	type hit struct {
		code string
		diff int
	}
	try := func(s Strategy, accept func(have []string, haveSet map[string]bool) (bool, int)) (MatchResult, bool) {
		var hits []hit
		for code, have := range parsed {
			if ok, d := accept(have, toSet(have)); ok {
				hits = append(hits, hit{code: code, diff: d})
			}
		}
		if len(hits) == 0 {
			return MatchResult{}, false
		}
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].diff != hits[j].diff {
				return hits[i].diff < hits[j].diff
			}
			return hits[i].code < hits[j].code
		})
		res := MatchResult{Strategy: s, Distance: hits[0].diff}
		for _, h := range hits {
			res.Variables = append(res.Variables, h.code)
		}
		return res, true
	}

	if r, ok := try(Strict, func(have []string, _ map[string]bool) (bool, int) {
		return equalOrdered(have, want), 0
	}); ok {
		return r, nil
	}
	if r, ok := try(Exact, func(_ []string, hs map[string]bool) (bool, int) {
		return equalSets(hs, wantSet), 0
	}); ok {
		return r, nil
	}
	if r, ok := try(Superset, func(_ []string, hs map[string]bool) (bool, int) {
		return containsAll(hs, wantSet), len(hs) - len(wantSet)
	}); ok {
		return r, nil
	}
	if r, ok := try(Subset, func(_ []string, hs map[string]bool) (bool, int) {
		return len(hs) > 0 && containsAll(wantSet, hs), len(wantSet) - len(hs)
	}); ok {
		return r, nil
	}
	for k := 1; k <= m.Tolerance; k++ {
		if r, ok := try(WithinTolerance, func(_ []string, hs map[string]bool) (bool, int) {
			d := symmetricDiff(hs, wantSet)
			return d <= k, d
		}); ok {
			return r, nil
		}
	}
	return MatchResult{}, &NoMatchError{Label: label}
}

func toSet(parts []string) map[string]bool {
	s := make(map[string]bool, len(parts))
	for _, p := range parts {
		s[p] = true
	}
	return s
}

func equalOrdered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSets(a, b map[string]bool) bool {
	return len(a) == len(b) && containsAll(a, b)
}

// containsAll reports whether a ⊇ b.
func containsAll(a, b map[string]bool) bool {
	for k := range b {
		if !a[k] {
			return false
		}
	}
	return true
}

func symmetricDiff(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if !b[k] {
			n++
		}
	}
	for k := range b {
		if !a[k] {
			n++
		}
	}
	return n
}
