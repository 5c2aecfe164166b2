// Package matcher decides which scenario, if any, applies to an inbound request.
package matcher

import (
	"fmt"
	"net/http"
	"strings"
)

// Field names a part of the request a matcher evaluates, in evaluation order.
type Field string

const (
	FieldMethod  Field = "method"
	FieldPath    Field = "path"
	FieldQuery   Field = "query"
	FieldHeaders Field = "headers"
	FieldBody    Field = "body"
	FieldState   Field = "state"
)

// fieldOrder is the evaluation order used for short-circuiting and ranking.
var fieldOrder = []Field{FieldMethod, FieldPath, FieldQuery, FieldHeaders, FieldBody, FieldState}

func fieldRank(f Field) int {
	for i, v := range fieldOrder {
		if v == f {
			return i
		}
	}
	return len(fieldOrder)
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

// NormalizeMethod upper-cases a method and maps "" and "*" to "" (any).
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" || m == "*" {
		return "", nil
	}
	if !validMethods[m] {
		return "", fmt.Errorf("invalid method %q", method)
	}
	return m, nil
}

// RequestMatcher is a pure predicate over a request.
type RequestMatcher struct {
	Method  string // "" matches any method
	Path    *PathMatcher
	Query   []FieldMatcher
	Headers []FieldMatcher
	Body    *BodyMatcher
}

// Result is the outcome of evaluating a RequestMatcher.
type Result struct {
	Matched  bool
	Captures Captures
	// Failed is the first field that did not match.
	Failed Field
	// Err is set when a field could not be evaluated.
	Err error
}

// Evaluate checks fields in order method, path, query, headers, body and
// stops at the first failure.
func (m *RequestMatcher) Evaluate(req *Request) Result {
	if m.Method != "" && m.Method != req.Method {
		return Result{Failed: FieldMethod}
	}

	caps := Captures{}
	if m.Path != nil {
		c, ok := m.Path.Match(req.Path)
		if !ok {
			return Result{Failed: FieldPath}
		}
		caps = c
	}

	for _, f := range m.Query {
		v, ok := req.QueryValue(f.Key)
		if !f.match(v, ok) {
			return Result{Failed: FieldQuery}
		}
	}

	for _, f := range m.Headers {
		v, ok := req.HeaderValue(f.Key)
		if !f.match(v, ok) {
			return Result{Failed: FieldHeaders}
		}
	}

	if m.Body != nil {
		ok, err := m.Body.Match(req)
		if err != nil {
			return Result{Failed: FieldBody, Err: err}
		}
		if !ok {
			return Result{Failed: FieldBody}
		}
	}

	return Result{Matched: true, Captures: caps}
}

// PathSource returns the declared path or pattern, or "" for any path.
func (m *RequestMatcher) PathSource() string {
	if m.Path == nil {
		return ""
	}
	return m.Path.Source()
}
