// Package state holds the named counters and flags that scenarios read to
// gate matching and write as a side effect of a served response.
package state

import (
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes counters from flags.
type Kind string

const (
	KindCounter Kind = "counter"
	KindFlag    Kind = "flag"
)

// slot is the storage for one name. Every read and write of a name goes
// through its own mutex, so updates to different names never contend.
type slot struct {
	mu      sync.Mutex
	kind    Kind
	counter int64
	flag    bool
}

// Store is the simulation state of one catalog generation.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
	names map[string]Kind
}

// NewStore creates a store with the given declared names. Undeclared names
// can still be written through Set, which declares them on first use.
func NewStore(declared map[string]Kind) *Store {
	s := &Store{
		slots: make(map[string]*slot, len(declared)),
		names: make(map[string]Kind, len(declared)),
	}
	for name, kind := range declared {
		s.names[name] = kind
		s.slots[name] = &slot{kind: kind}
	}
	return s
}

func (s *Store) lookup(name string) *slot {
	s.mu.RLock()
	sl := s.slots[name]
	s.mu.RUnlock()
	return sl
}

func (s *Store) lookupOrCreate(name string, kind Kind) *slot {
	if sl := s.lookup(name); sl != nil {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[name]; ok {
		return sl
	}
	sl := &slot{kind: kind}
	s.slots[name] = sl
	s.names[name] = kind
	return sl
}

// Counter returns the current value of a counter (0 if unknown).
func (s *Store) Counter(name string) int64 {
	sl := s.lookup(name)
	if sl == nil {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.counter
}

// Flag returns the current value of a flag (false if unknown).
func (s *Store) Flag(name string) bool {
	sl := s.lookup(name)
	if sl == nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.flag
}

// Kind reports the declared kind for name.
func (s *Store) Kind(name string) (Kind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.names[name]
	return k, ok
}

// Add adds delta to a counter and returns the new value.
func (s *Store) Add(name string, delta int64) int64 {
	sl := s.lookupOrCreate(name, KindCounter)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.counter += delta
	return sl.counter
}

// SetCounter overwrites a counter.
func (s *Store) SetCounter(name string, value int64) {
	sl := s.lookupOrCreate(name, KindCounter)
	sl.mu.Lock()
	sl.counter = value
	sl.mu.Unlock()
}

// SetFlag overwrites a flag.
func (s *Store) SetFlag(name string, value bool) {
	sl := s.lookupOrCreate(name, KindFlag)
	sl.mu.Lock()
	sl.flag = value
	sl.mu.Unlock()
}

// ResetName returns one name to its zero value.
func (s *Store) ResetName(name string) {
	sl := s.lookup(name)
	if sl == nil {
		return
	}
	sl.mu.Lock()
	sl.counter = 0
	sl.flag = false
	sl.mu.Unlock()
}

// Reset returns every name to its zero value.
func (s *Store) Reset() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sl := range s.slots {
		sl.mu.Lock()
		sl.counter = 0
		sl.flag = false
		sl.mu.Unlock()
	}
}

// Value is one entry of a snapshot.
type Value struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Counter int64  `json:"counter,omitempty"`
	Flag    bool   `json:"flag,omitempty"`
}

// Snapshot returns all names sorted for stable output.
func (s *Store) Snapshot() []Value {
	s.mu.RLock()
	names := make([]string, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	values := make([]Value, 0, len(names))
	for _, name := range names {
		sl := s.lookup(name)
		sl.mu.Lock()
		values = append(values, Value{Name: name, Kind: sl.kind, Counter: sl.counter, Flag: sl.flag})
		sl.mu.Unlock()
	}
	return values
}

// Op is a state mutation operator.
type Op string

const (
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpSet       Op = "set"
	OpReset     Op = "reset"
)

// Effect is a single mutation declared by a scenario.
type Effect struct {
	Op      Op
	Name    string
	Kind    Kind
	Counter int64
	Flag    bool
}

// Validate checks that the effect is well-formed.
func (e Effect) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("state effect %q has no name", e.Op)
	}
	switch e.Op {
	case OpIncrement, OpDecrement:
		if e.Kind != KindCounter {
			return fmt.Errorf("%s applies to counters, %q is a %s", e.Op, e.Name, e.Kind)
		}
	case OpSet, OpReset:
	default:
		return fmt.Errorf("unknown state operation %q", e.Op)
	}
	return nil
}

// Apply commits a list of effects in order.
func (s *Store) Apply(effects []Effect) {
	for _, e := range effects {
		switch e.Op {
		case OpIncrement:
			s.Add(e.Name, 1)
		case OpDecrement:
			s.Add(e.Name, -1)
		case OpSet:
			if e.Kind == KindFlag {
				s.SetFlag(e.Name, e.Flag)
			} else {
				s.SetCounter(e.Name, e.Counter)
			}
		case OpReset:
			s.ResetName(e.Name)
		}
	}
}
