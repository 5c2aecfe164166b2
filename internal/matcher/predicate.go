package matcher

import (
	"fmt"

	"github.com/prasenjit/translucent/internal/state"
)

// CompareOp compares a state value against a constant.
type CompareOp string

const (
	CompareEq  CompareOp = "eq"
	CompareNe  CompareOp = "ne"
	CompareGt  CompareOp = "gt"
	CompareGte CompareOp = "gte"
	CompareLt  CompareOp = "lt"
	CompareLte CompareOp = "lte"
)

// StatePredicate is a condition over one named counter or flag.
type StatePredicate struct {
	Name    string
	Kind    state.Kind
	Op      CompareOp
	Counter int64
	Flag    bool
}

// Validate checks operator and kind compatibility.
func (p *StatePredicate) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("state predicate has no name")
	}
	switch p.Op {
	case CompareEq, CompareNe:
	case CompareGt, CompareGte, CompareLt, CompareLte:
		if p.Kind != state.KindCounter {
			return fmt.Errorf("operator %s applies to counters, %q is a %s", p.Op, p.Name, p.Kind)
		}
	default:
		return fmt.Errorf("unknown state operator %q", p.Op)
	}
	return nil
}

// Holds evaluates the predicate against the current state.
func (p *StatePredicate) Holds(st *state.Store) bool {
	if p == nil {
		return true
	}
	if st == nil {
		st = state.NewStore(nil)
	}

	if p.Kind == state.KindFlag {
		v := st.Flag(p.Name)
		switch p.Op {
		case CompareEq:
			return v == p.Flag
		case CompareNe:
			return v != p.Flag
		}
		return false
	}

	v := st.Counter(p.Name)
	switch p.Op {
	case CompareEq:
		return v == p.Counter
	case CompareNe:
		return v != p.Counter
	case CompareGt:
		return v > p.Counter
	case CompareGte:
		return v >= p.Counter
	case CompareLt:
		return v < p.Counter
	case CompareLte:
		return v <= p.Counter
	}
	return false
}

// String renders the predicate for diagnostics.
func (p *StatePredicate) String() string {
	if p.Kind == state.KindFlag {
		return fmt.Sprintf("%s %s %t", p.Name, p.Op, p.Flag)
	}
	return fmt.Sprintf("%s %s %d", p.Name, p.Op, p.Counter)
}
