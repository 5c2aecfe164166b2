package matcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// SessionHeader carries the client-chosen session used to group interactions.
const SessionHeader = "X-Session-Id"

// Request is the immutable descriptor of an inbound request that matchers
// and templates evaluate against. The body is decoded as JSON at most once.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    []byte
	Session string

	jsonOnce sync.Once
	decoded  atomic.Bool
	jsonVal  interface{}
	jsonErr  error
}

// NewRequest builds a descriptor from an http.Request whose body has already
// been read into body.
func NewRequest(r *http.Request, body []byte) *Request {
	query := r.URL.Query()
	session := r.Header.Get(SessionHeader)
	if session == "" {
		session = query.Get("session")
	}
	return &Request{
		Method:  strings.ToUpper(r.Method),
		Path:    r.URL.Path,
		Query:   query,
		Header:  r.Header.Clone(),
		Body:    body,
		Session: session,
	}
}

// EvaluationError reports that a request could not be evaluated by a
// structured matcher, e.g. the body is not JSON. It counts as a failed field.
type EvaluationError struct {
	Field Field
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

var errEmptyBody = errors.New("request body is empty")

// JSON returns the request body decoded as JSON.
func (r *Request) JSON() (interface{}, error) {
	r.jsonOnce.Do(func() {
		defer r.decoded.Store(true)
		if len(r.Body) == 0 {
			r.jsonErr = &EvaluationError{Field: FieldBody, Err: errEmptyBody}
			return
		}
		if err := json.Unmarshal(r.Body, &r.jsonVal); err != nil {
			r.jsonErr = &EvaluationError{Field: FieldBody, Err: err}
		}
	})
	return r.jsonVal, r.jsonErr
}

// BodyError returns the JSON decode error if a matcher already asked for the
// JSON body and decoding failed. It never forces a decode.
func (r *Request) BodyError() error {
	if !r.decoded.Load() {
		return nil
	}
	return r.jsonErr
}

// QueryValue returns the first value of a query parameter.
func (r *Request) QueryValue(key string) (string, bool) {
	vals, ok := r.Query[key]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// HeaderValue returns the first value of a header, case-insensitively.
func (r *Request) HeaderValue(key string) (string, bool) {
	vals := r.Header.Values(key)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
