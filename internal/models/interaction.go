package models

import (
	"strings"
	"time"
)

// Outcome classifies how a request was served.
type Outcome string

// Supported outcomes
const (
	OutcomeSynthesized   Outcome = "synthesized"
	OutcomePassthrough   Outcome = "passthrough"
	OutcomeReplayed      Outcome = "replayed"
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeTemplateError Outcome = "template_error"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeRejected      Outcome = "rejected"
)

// IsError reports whether the outcome is a failure of the simulator or an upstream.
func (o Outcome) IsError() bool {
	switch o {
	case OutcomeTemplateError, OutcomeUpstreamError, OutcomeTimeout:
		return true
	}
	return false
}

// Interaction represents one served request and its response
type Interaction struct {
	ID         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	Generation uint64              `json:"generation"`
	Session    string              `json:"session,omitempty"`
	ScenarioID string              `json:"scenarioId,omitempty"`
	Outcome    Outcome             `json:"outcome"`
	Alternate  bool                `json:"alternate,omitempty"` // Served the otherwise response
	Request    InteractionRequest  `json:"request"`
	Response   InteractionResponse `json:"response"`
	Latency    int64               `json:"latency"` // Latency in nanoseconds
	Error      string              `json:"error,omitempty"`
}

// InteractionRequest represents the captured request
type InteractionRequest struct {
	Method        string              `json:"method"`
	URL           string              `json:"url"`
	Path          string              `json:"path"`
	Query         map[string][]string `json:"query"`
	Headers       map[string][]string `json:"headers"`
	Body          string              `json:"body"`
	BodyTruncated bool                `json:"bodyTruncated,omitempty"`
	RemoteAddr    string              `json:"remoteAddr,omitempty"`
}

// InteractionResponse represents the captured response
type InteractionResponse struct {
	StatusCode    int                 `json:"statusCode"`
	Headers       map[string][]string `json:"headers"`
	Body          string              `json:"body"`
	BodyTruncated bool                `json:"bodyTruncated,omitempty"`
}

// InteractionFilter represents filters for querying interactions
type InteractionFilter struct {
	ScenarioID string    `json:"scenarioId,omitempty"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Method     string    `json:"method,omitempty"`
	PathPrefix string    `json:"path,omitempty"`
	StatusCode int       `json:"statusCode,omitempty"`
	Session    string    `json:"session,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// Matches reports whether in satisfies every set field of f.
func (f *InteractionFilter) Matches(in *Interaction) bool {
	if f == nil {
		return true
	}
	if f.ScenarioID != "" && in.ScenarioID != f.ScenarioID {
		return false
	}
	if f.Outcome != "" && in.Outcome != f.Outcome {
		return false
	}
	if f.Method != "" && !strings.EqualFold(in.Request.Method, f.Method) {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(in.Request.Path, f.PathPrefix) {
		return false
	}
	if f.StatusCode != 0 && in.Response.StatusCode != f.StatusCode {
		return false
	}
	if f.Session != "" && in.Session != f.Session {
		return false
	}
	if !f.Since.IsZero() && in.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && in.Timestamp.After(f.Until) {
		return false
	}
	return true
}
