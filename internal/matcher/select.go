package matcher

import (
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/prasenjit/translucent/internal/state"
)

// PredicateMode controls how a scenario's state predicate takes part in selection.
type PredicateMode string

const (
	// PredicateGate makes a false predicate a failed match.
	PredicateGate PredicateMode = "gate"
	// PredicateResponse ignores the predicate during matching; the caller
	// picks the alternate response when it does not hold.
	PredicateResponse PredicateMode = "response"
)

// ParsePredicateMode parses a mode name; "" means gate.
func ParsePredicateMode(s string) (PredicateMode, error) {
	switch PredicateMode(s) {
	case "", PredicateGate:
		return PredicateGate, nil
	case PredicateResponse:
		return PredicateResponse, nil
	}
	return "", fmt.Errorf("unknown predicate mode %q (want gate or response)", s)
}

// Candidate is anything selectable: a scenario exposes its matcher and an
// optional state predicate.
type Candidate interface {
	RequestMatcher() *RequestMatcher
	StatePredicate() *StatePredicate
}

// Selection is the winning candidate of Select.
type Selection[C Candidate] struct {
	Candidate C
	Index     int
	Captures  Captures
	// PredicateHeld is false only in response mode when the predicate failed.
	PredicateHeld bool
}

// Select returns the first candidate, in slice order, whose matcher accepts
// req and whose predicate holds. Candidates must already be sorted by
// priority and declaration order.
func Select[C Candidate](req *Request, candidates []C, st *state.Store, mode PredicateMode) (Selection[C], bool) {
	for i, c := range candidates {
		res := c.RequestMatcher().Evaluate(req)
		if !res.Matched {
			continue
		}

		held := c.StatePredicate().Holds(st)
		if !held && mode != PredicateResponse {
			continue
		}
		return Selection[C]{Candidate: c, Index: i, Captures: res.Captures, PredicateHeld: held}, true
	}

	var zero Selection[C]
	return zero, false
}

// NearMiss describes a candidate that got part way through matching.
type NearMiss struct {
	Index int `json:"-"`
	// Failed is the first field that did not match.
	Failed Field `json:"failed"`
	// Passed is the number of fields that matched before Failed.
	Passed int `json:"passed"`
	// Distance is the edit distance between request path and declared path.
	Distance int `json:"distance"`
}

// NearMisses ranks candidates by how far they got in matching, then by path
// edit distance, and returns at most limit of them.
func NearMisses[C Candidate](req *Request, candidates []C, st *state.Store, limit int) []NearMiss {
	if limit <= 0 {
		return nil
	}

	misses := make([]NearMiss, 0, len(candidates))
	for i, c := range candidates {
		rm := c.RequestMatcher()
		res := rm.Evaluate(req)
		failed := res.Failed
		if res.Matched {
			if c.StatePredicate().Holds(st) {
				continue
			}
			failed = FieldState
		}

		nm := NearMiss{Index: i, Failed: failed, Passed: fieldRank(failed)}
		if src := rm.PathSource(); src != "" {
			nm.Distance = levenshtein.ComputeDistance(req.Path, src)
		}
		misses = append(misses, nm)
	}

	sort.SliceStable(misses, func(a, b int) bool {
		if misses[a].Passed != misses[b].Passed {
			return misses[a].Passed > misses[b].Passed
		}
		return misses[a].Distance < misses[b].Distance
	})

	if len(misses) > limit {
		misses = misses[:limit]
	}
	return misses
}
