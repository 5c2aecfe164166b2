// Package scenario loads, validates and serves the immutable scenario catalog.
package scenario

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/state"
	"github.com/prasenjit/translucent/internal/template"
)

// Scenario is a compiled, validated scenario.
type Scenario struct {
	ID          string
	Description string
	Priority    int
	Source      string
	// Index is the declaration order across all loaded files.
	Index       int
	Imported    bool
	Passthrough bool

	Matcher   *matcher.RequestMatcher
	Predicate *matcher.StatePredicate
	Effects   []state.Effect
	Response  *Response
	Otherwise *Response
}

// RequestMatcher implements matcher.Candidate.
func (s *Scenario) RequestMatcher() *matcher.RequestMatcher { return s.Matcher }

// StatePredicate implements matcher.Candidate.
func (s *Scenario) StatePredicate() *matcher.StatePredicate { return s.Predicate }

// Header is one response header template.
type Header struct {
	Name  string
	Value *template.Template
}

// Response is a compiled response template.
type Response struct {
	Status  int
	Headers []Header
	// At most one of Body and JSON is set.
	Body  *template.Template
	JSON  *template.JSONTemplate
	Delay Delay
}

// Delay is a fixed or ranged response delay.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Pick returns a delay in [Min, Max] using r.
func (d Delay) Pick(r *rand.Rand) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + time.Duration(r.Int63n(int64(d.Max-d.Min)+1))
}

// Summary is the listing form of a scenario.
type Summary struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Source      string `json:"source"`
	Imported    bool   `json:"imported,omitempty"`
	Passthrough bool   `json:"passthrough,omitempty"`
	HasState    bool   `json:"hasState,omitempty"`
	Status      int    `json:"status,omitempty"`
}

// Summary returns the listing form of s.
func (s *Scenario) Summary() Summary {
	method := s.Matcher.Method
	if method == "" {
		method = "*"
	}
	path := s.Matcher.PathSource()
	if path == "" {
		path = "*"
	}
	sum := Summary{
		ID:          s.ID,
		Description: s.Description,
		Priority:    s.Priority,
		Method:      method,
		Path:        path,
		Source:      s.Source,
		Imported:    s.Imported,
		Passthrough: s.Passthrough,
		HasState:    s.Predicate != nil || len(s.Effects) > 0,
	}
	if s.Response != nil {
		sum.Status = s.Response.Status
	}
	return sum
}

// Catalog is one immutable generation of scenarios with its own state.
type Catalog struct {
	Generation uint64
	// Scenarios are ordered by priority (high first), then declaration order.
	Scenarios []*Scenario
	State     *state.Store
	Sources   []string
	LoadedAt  time.Time

	byID map[string]*Scenario
}

// Lookup returns a scenario by id.
func (c *Catalog) Lookup(id string) (*Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int {
	return len(c.Scenarios)
}

// Store holds the active catalog generation.
type Store struct {
	current atomic.Pointer[Catalog]
	mu      sync.Mutex
	next    uint64
}

// NewStore creates a store serving an empty catalog as generation 0.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Catalog{
		State:    state.NewStore(nil),
		LoadedAt: time.Now(),
		byID:     map[string]*Scenario{},
	})
	return s
}

// Current returns the active generation. It never blocks.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Swap installs c as the next generation and returns it. Requests already
// holding the previous generation keep using it.
func (s *Store) Swap(c *Catalog) *Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	c.Generation = s.next
	s.current.Store(c)
	return c
}
