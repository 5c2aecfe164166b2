package template

import (
	"fmt"

	"github.com/prasenjit/translucent/internal/state"
)

// Scope describes what a template may reference.
type Scope struct {
	// PathParams are the captures declared by the scenario's path matcher.
	PathParams []string
	// States are the state names declared anywhere in the catalog.
	States map[string]state.Kind
}

// Check reports every slot that references something outside the scope.
func (sc Scope) Check(slots []*Slot) []error {
	params := make(map[string]bool, len(sc.PathParams))
	for _, p := range sc.PathParams {
		params[p] = true
	}

	var errs []error
	var check func(s *Slot)
	check = func(s *Slot) {
		switch s.Source {
		case "path":
			if !params[s.Key] {
				errs = append(errs, fmt.Errorf("{{%s}} references path capture %q, which the path does not declare", s.Expr, s.Key))
			}
		case "state":
			if _, ok := sc.States[s.Key]; !ok {
				errs = append(errs, fmt.Errorf("{{%s}} references undeclared state %q", s.Expr, s.Key))
			}
		case "random":
			if ref := s.Reference(); ref != nil {
				check(ref)
			}
		}
	}
	for _, s := range slots {
		check(s)
	}
	return errs
}
