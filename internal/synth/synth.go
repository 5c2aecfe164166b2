// Package synth turns a matched scenario and the request that selected it
// into a concrete response.
package synth

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/scenario"
	"github.com/prasenjit/translucent/internal/state"
	"github.com/prasenjit/translucent/internal/template"
)

// ErrNoResponse is returned for scenarios that carry no response template,
// such as pass-through scenarios.
var ErrNoResponse = errors.New("scenario has no response template")

// Response is a fully resolved response, ready to be written.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Result is the outcome of synthesizing one response. Effects are pending:
// the caller commits them once the response has been delivered.
type Result struct {
	ScenarioID string
	Response   Response
	Effects    []state.Effect
	Delay      time.Duration
	// Alternate is true when the otherwise template was used.
	Alternate bool
}

// Synthesizer resolves response templates.
type Synthesizer struct {
	engine *template.Engine
}

// New creates a synthesizer backed by engine.
func New(engine *template.Engine) *Synthesizer {
	if engine == nil {
		engine = template.NewEngine()
	}
	return &Synthesizer{engine: engine}
}

// Engine returns the template engine.
func (s *Synthesizer) Engine() *template.Engine {
	return s.engine
}

// Synthesize resolves the status, then the headers in declaration order, then
// the body of sc's response for req. When predicateHeld is false the
// scenario's otherwise template is used instead. Nothing is mutated: state
// is only read, and effects are returned for the caller to commit.
func (s *Synthesizer) Synthesize(sc *scenario.Scenario, req *matcher.Request, captures matcher.Captures, st *state.Store, predicateHeld bool) (*Result, error) {
	tmpl := sc.Response
	alternate := false
	if !predicateHeld && sc.Otherwise != nil {
		tmpl = sc.Otherwise
		alternate = true
	}
	if tmpl == nil {
		return nil, ErrNoResponse
	}

	ctx := &template.Context{
		PathParams: captures,
		Query:      req.Query,
		Headers:    req.Header,
		Body:       req.Body,
		Method:     req.Method,
		Path:       req.Path,
		RawQuery:   req.Query.Encode(),
		Session:    req.Session,
	}
	if st != nil {
		ctx.State = st
	}

	resp, err := s.render(tmpl, ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.ID, err)
	}

	res := &Result{
		ScenarioID: sc.ID,
		Response:   *resp,
		Alternate:  alternate,
		Delay:      s.pickDelay(tmpl.Delay),
	}
	// The alternate response models a refused step; it does not advance state.
	if !alternate {
		res.Effects = sc.Effects
	}
	return res, nil
}

func (s *Synthesizer) render(tmpl *scenario.Response, ctx *template.Context) (*Response, error) {
	resp := &Response{
		Status: tmpl.Status,
		Header: make(http.Header, len(tmpl.Headers)+1),
	}

	for _, h := range tmpl.Headers {
		v, err := s.engine.Render(h.Value, ctx)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", h.Name, err)
		}
		resp.Header.Add(h.Name, v)
	}

	switch {
	case tmpl.JSON != nil:
		body, err := s.engine.RenderJSON(tmpl.JSON, ctx)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		resp.Body = body
	case tmpl.Body != nil:
		body, err := s.engine.Render(tmpl.Body, ctx)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		resp.Body = []byte(body)
	}

	// Set default content-type if not set
	if resp.Header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		resp.Header.Set("Content-Type", defaultContentType(tmpl, resp.Body))
	}
	return resp, nil
}

func (s *Synthesizer) pickDelay(d scenario.Delay) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	var out time.Duration
	s.engine.Rand(func(r *rand.Rand) {
		out = d.Pick(r)
	})
	return out
}

func defaultContentType(tmpl *scenario.Response, body []byte) string {
	if tmpl.JSON != nil {
		return "application/json"
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "application/json"
	}
	return http.DetectContentType(body)
}
