// Package simulator serves simulated traffic: it matches each request against
// the active scenario generation and synthesizes or forwards the response.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/models"
	"github.com/prasenjit/translucent/internal/passthrough"
	"github.com/prasenjit/translucent/internal/recorder"
	"github.com/prasenjit/translucent/internal/scenario"
	"github.com/prasenjit/translucent/internal/session"
	"github.com/prasenjit/translucent/internal/stats"
	"github.com/prasenjit/translucent/internal/synth"
)

// MatchHeader reports which scenario served a response, "replay" for a
// session replay, or "none".
const MatchHeader = "X-Simulator-Match"

// ReplayMatch is the MatchHeader value of replayed responses.
const ReplayMatch = "replay"

// Defaults
const (
	DefaultMaxBodyBytes = 10 * 1024 * 1024
	DefaultNearMisses   = 3
)

// Options configure an Engine.
type Options struct {
	// RequestTimeout bounds one simulated request; zero disables it.
	RequestTimeout time.Duration
	// MaxBodyBytes limits inbound request bodies.
	MaxBodyBytes  int64
	PredicateMode matcher.PredicateMode
	// PassthroughUnmatched forwards requests no scenario matched when an
	// upstream covers their path.
	PassthroughUnmatched bool
	NearMisses           int
	// Sessions holds record/replay sessions; nil disables them.
	Sessions *session.Manager
	Logger   *slog.Logger
}

// Engine is the http.Handler for simulated traffic.
type Engine struct {
	store    *scenario.Store
	synth    *synth.Synthesizer
	upstream *passthrough.Client
	recorder *recorder.Recorder
	stats    *stats.Collector
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates a new simulator engine. upstream may be nil when
// pass-through is disabled.
func NewEngine(store *scenario.Store, synthesizer *synth.Synthesizer, upstream *passthrough.Client, rec *recorder.Recorder, collector *stats.Collector, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.NearMisses <= 0 {
		opts.NearMisses = DefaultNearMisses
	}
	if opts.PredicateMode == "" {
		opts.PredicateMode = matcher.PredicateGate
	}
	if synthesizer == nil {
		synthesizer = synth.New(nil)
	}
	return &Engine{
		store:    store,
		synth:    synthesizer,
		upstream: upstream,
		recorder: rec,
		stats:    collector,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// exchange carries one request through the engine.
type exchange struct {
	start    time.Time
	w        http.ResponseWriter
	r        *http.Request
	ctx      context.Context
	catalog  *scenario.Catalog
	req      *matcher.Request
	body     []byte
	record   *models.Interaction
	scenario *scenario.Scenario
}

// ServeHTTP handles incoming requests
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{
		start:   time.Now(),
		w:       w,
		r:       r,
		ctx:     r.Context(),
		catalog: e.store.Current(),
	}
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		x.ctx, cancel = context.WithTimeout(r.Context(), e.opts.RequestTimeout)
		defer cancel()
	}
	x.record = &models.Interaction{
		Generation: x.catalog.Generation,
		Request: models.InteractionRequest{
			Method:     r.Method,
			URL:        r.URL.String(),
			Path:       r.URL.Path,
			Query:      r.URL.Query(),
			Headers:    r.Header.Clone(),
			RemoteAddr: r.RemoteAddr,
		},
	}

	// Read request body
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e.fail(x, models.OutcomeRejected, http.StatusRequestEntityTooLarge, object{"error": "request body too large"}, err)
			return
		}
		if e.finishIfDone(x) {
			return
		}
		e.fail(x, models.OutcomeRejected, http.StatusBadRequest, object{"error": "failed to read request body"}, err)
		return
	}
	x.body = body
	x.req = matcher.NewRequest(r, body)
	x.record.Session = x.req.Session
	x.record.Request.Body, x.record.Request.BodyTruncated = e.truncate(body)

	if e.replaying(x) {
		e.replay(x)
		return
	}

	sel, ok := matcher.Select(x.req, x.catalog.Scenarios, x.catalog.State, e.opts.PredicateMode)
	if berr := x.req.BodyError(); berr != nil {
		e.logger.Debug("request body not evaluable by structured matchers",
			"method", r.Method, "path", r.URL.Path, "error", berr)
	}

	switch {
	case ok && sel.Candidate.Passthrough:
		x.scenario = sel.Candidate
		x.record.ScenarioID = sel.Candidate.ID
		e.forward(x)
	case ok:
		x.scenario = sel.Candidate
		x.record.ScenarioID = sel.Candidate.ID
		e.synthesize(x, sel)
	case e.opts.PassthroughUnmatched && e.routable(r.URL.Path):
		e.forward(x)
	default:
		e.noMatch(x)
	}
}

func (e *Engine) replaying(x *exchange) bool {
	return e.opts.Sessions != nil && e.opts.Sessions.Mode(x.req.Session) == session.ModeReplay
}

func (e *Engine) recording(x *exchange) bool {
	return e.opts.Sessions != nil && e.opts.Sessions.Mode(x.req.Session) == session.ModeRecord
}

// replay answers from the session's captured exchanges. Replaying sessions
// never reach the scenarios.
func (e *Engine) replay(x *exchange) {
	ex, ok := e.opts.Sessions.Replay(x.req.Session, x.r.Method, x.r.URL.Path, x.r.URL.RawQuery)
	if e.finishIfDone(x) {
		return
	}
	if !ok {
		x.w.Header().Set(MatchHeader, "none")
		e.writeJSON(x, http.StatusNotFound, object{
			"error":   "no matching interaction found",
			"session": x.req.Session,
			"method":  x.r.Method,
			"path":    x.r.URL.Path,
		})
		e.finish(x, models.OutcomeNoMatch, nil)
		return
	}

	h := x.w.Header()
	for name, values := range ex.Header {
		h[name] = values
	}
	h.Set(MatchHeader, ReplayMatch)
	x.w.WriteHeader(ex.Status)
	if len(ex.Body) > 0 && x.r.Method != http.MethodHead {
		if _, err := x.w.Write(ex.Body); err != nil {
			e.logger.Debug("failed to write replayed response", "session", x.req.Session, "error", err)
		}
	}

	x.record.Response = models.InteractionResponse{StatusCode: ex.Status, Headers: h.Clone()}
	x.record.Response.Body, x.record.Response.BodyTruncated = e.truncate(ex.Body)
	e.finish(x, models.OutcomeReplayed, nil)
}

func (e *Engine) routable(path string) bool {
	if e.upstream == nil {
		return false
	}
	_, ok := e.upstream.Route(path)
	return ok
}

func (e *Engine) synthesize(x *exchange, sel matcher.Selection[*scenario.Scenario]) {
	res, err := e.synth.Synthesize(sel.Candidate, x.req, sel.Captures, x.catalog.State, sel.PredicateHeld)
	if err != nil {
		e.logger.Warn("template resolution failed",
			"scenario", sel.Candidate.ID, "method", x.r.Method, "path", x.r.URL.Path, "error", err)
		e.fail(x, models.OutcomeTemplateError, http.StatusInternalServerError,
			object{"error": "response template could not be resolved"}, err)
		return
	}
	x.record.Alternate = res.Alternate

	if err := sleep(x.ctx, res.Delay); err != nil {
		e.finishIfDone(x)
		return
	}
	if e.finishIfDone(x) {
		return
	}

	// The response is complete and the client is still waiting.
	if len(res.Effects) > 0 {
		x.catalog.State.Apply(res.Effects)
	}

	h := x.w.Header()
	for name, values := range res.Response.Header {
		h[name] = values
	}
	if h.Get(MatchHeader) == "" {
		h.Set(MatchHeader, res.ScenarioID)
	}
	x.w.WriteHeader(res.Response.Status)
	if len(res.Response.Body) > 0 && x.r.Method != http.MethodHead {
		if _, err := x.w.Write(res.Response.Body); err != nil {
			e.logger.Debug("failed to write response", "scenario", res.ScenarioID, "error", err)
		}
	}

	x.record.Response = models.InteractionResponse{
		StatusCode: res.Response.Status,
		Headers:    h.Clone(),
	}
	x.record.Response.Body, x.record.Response.BodyTruncated = e.truncate(res.Response.Body)
	e.finish(x, models.OutcomeSynthesized, nil)
}

// nearMiss is the no-match diagnostic for one candidate.
type nearMiss struct {
	ScenarioID string `json:"scenarioId"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	matcher.NearMiss
}

func (e *Engine) noMatch(x *exchange) {
	misses := matcher.NearMisses(x.req, x.catalog.Scenarios, x.catalog.State, e.opts.NearMisses)
	out := make([]nearMiss, 0, len(misses))
	for _, m := range misses {
		sum := x.catalog.Scenarios[m.Index].Summary()
		out = append(out, nearMiss{ScenarioID: sum.ID, Method: sum.Method, Path: sum.Path, NearMiss: m})
	}

	if e.finishIfDone(x) {
		return
	}
	x.w.Header().Set(MatchHeader, "none")
	e.writeJSON(x, http.StatusNotFound, object{
		"error":      "no scenario matched",
		"method":     x.r.Method,
		"path":       x.r.URL.Path,
		"nearMisses": out,
	})
	e.finish(x, models.OutcomeNoMatch, nil)
}

// finishIfDone ends the exchange when its context has ended: a timeout gets
// a 504, a departed client gets nothing.
func (e *Engine) finishIfDone(x *exchange) bool {
	err := x.ctx.Err()
	if err == nil {
		return false
	}
	if x.r.Context().Err() != nil {
		e.finish(x, models.OutcomeCancelled, x.r.Context().Err())
		return true
	}
	e.fail(x, models.OutcomeTimeout, http.StatusGatewayTimeout, object{"error": "request timed out"}, err)
	return true
}

// fail writes a JSON error response and records the outcome.
func (e *Engine) fail(x *exchange, outcome models.Outcome, status int, body object, cause error) {
	e.writeJSON(x, status, body)
	e.finish(x, outcome, cause)
}

// object is a JSON object body.
type object map[string]interface{}

func (e *Engine) writeJSON(x *exchange, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"internal error"}`)
		status = http.StatusInternalServerError
	}
	h := x.w.Header()
	h.Set("Content-Type", "application/json")
	x.w.WriteHeader(status)
	_, _ = x.w.Write(data)

	x.record.Response = models.InteractionResponse{StatusCode: status, Headers: h.Clone()}
	x.record.Response.Body, x.record.Response.BodyTruncated = e.truncate(data)
}

// finish records the interaction and its statistics.
func (e *Engine) finish(x *exchange, outcome models.Outcome, cause error) {
	latency := time.Since(x.start)
	x.record.Outcome = outcome
	x.record.Latency = latency.Nanoseconds()
	if cause != nil {
		x.record.Error = cause.Error()
	}

	method, path := x.r.Method, x.r.URL.Path
	if x.scenario != nil {
		sum := x.scenario.Summary()
		method, path = sum.Method, sum.Path
	}
	if e.stats != nil {
		e.stats.Observe(stats.Sample{
			ScenarioID:  x.record.ScenarioID,
			Method:      method,
			Path:        path,
			RequestPath: x.r.URL.Path,
			Outcome:     outcome,
			Status:      x.record.Response.StatusCode,
			Latency:     latency,
			Err:         x.record.Error,
		})
	}
	if e.recorder != nil {
		e.recorder.Record(x.record)
	}

	e.logger.Debug("request served",
		"method", x.r.Method,
		"path", x.r.URL.Path,
		"scenario", x.record.ScenarioID,
		"outcome", outcome,
		"status", x.record.Response.StatusCode,
		"latency", latency)
}

func (e *Engine) truncate(body []byte) (string, bool) {
	if e.recorder == nil {
		return string(body), false
	}
	return e.recorder.Truncate(body)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
