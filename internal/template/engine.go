// Package template renders response templates with request captures,
// generated values and simulation state.
package template

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prasenjit/translucent/internal/state"
)

// Engine renders compiled templates. It is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return NewEngineWithSeed(time.Now().UnixNano())
}

// NewEngineWithSeed creates an engine with a fixed random seed.
func NewEngineWithSeed(seed int64) *Engine {
	return &Engine{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// SetClock overrides the time source used by timestamp generators.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// withRand runs fn while holding the generator lock.
func (e *Engine) withRand(fn func(r *rand.Rand)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.rng)
}

// Rand runs fn with the engine's random source. Do not retain r.
func (e *Engine) Rand(fn func(r *rand.Rand)) {
	e.withRand(fn)
}

// StateReader is the read side of the simulation state.
type StateReader interface {
	Counter(name string) int64
	Flag(name string) bool
	Kind(name string) (state.Kind, bool)
}

// Context contains all data available for template rendering
type Context struct {
	PathParams map[string]string
	Query      url.Values
	Headers    http.Header
	Body       []byte
	Method     string
	Path       string
	RawQuery   string
	Session    string
	State      StateReader
}

// ErrMissing reports that a referenced capture is not present in the request.
var ErrMissing = errors.New("value not present")

// ErrInvalidBody reports a body capture against a request body that is not JSON.
var ErrInvalidBody = errors.New("request body is not valid JSON")

// ResolutionError reports a slot that could not be resolved for a request.
type ResolutionError struct {
	Slot string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve {{%s}}: %v", e.Slot, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// value is a resolved slot. raw holds the JSON encoding for typed values.
type value struct {
	text string
	raw  string
}

type resolver func(e *Engine, ctx *Context) (value, error)

// resolveSlot resolves a slot, falling back to its default when the value is missing.
func (e *Engine) resolveSlot(s *Slot, ctx *Context) (value, error) {
	v, err := s.resolve(e, ctx)
	if err == nil {
		return v, nil
	}
	if s.Default != nil && errors.Is(err, ErrMissing) {
		return value{text: *s.Default}, nil
	}
	return value{}, &ResolutionError{Slot: s.Expr, Err: err}
}

// Process compiles and renders a template string in one step.
func (e *Engine) Process(src string, ctx *Context) (string, error) {
	t, err := Compile(src)
	if err != nil {
		return "", err
	}
	return e.Render(t, ctx)
}

// Render renders a string template.
func (e *Engine) Render(t *Template, ctx *Context) (string, error) {
	if t == nil {
		return "", nil
	}
	if len(t.segments) == 1 && t.segments[0].slot == nil {
		return t.segments[0].text, nil
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.slot == nil {
			b.WriteString(seg.text)
			continue
		}
		v, err := e.resolveSlot(seg.slot, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(v.text)
	}
	return b.String(), nil
}
