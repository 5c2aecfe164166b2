package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Wildcard matches any value, including null, inside a JSON shape.
const Wildcard = "*"

// BodyMatcher tests the request body. All configured checks must hold.
type BodyMatcher struct {
	equals   *string
	pattern  *regexp.Regexp
	shape    shapeNode
	paths    []pathCheck
	schema   *jsonschema.Schema
	needJSON bool
}

// BodySpec is the decoded form of a body matcher before compilation.
// JSON values are plain decoded trees: map[string]interface{}, []interface{},
// string, bool, nil and numeric types.
type BodySpec struct {
	Equals   *string
	Pattern  string
	JSON     interface{}
	JSONPath map[string]interface{}
	Schema   interface{}
}

// NewBodyMatcher compiles a body matcher.
func NewBodyMatcher(spec BodySpec) (*BodyMatcher, error) {
	m := &BodyMatcher{equals: spec.Equals}

	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid body pattern: %w", err)
		}
		m.pattern = re
	}

	if spec.JSON != nil {
		shape, err := compileShape(spec.JSON, "$")
		if err != nil {
			return nil, err
		}
		m.shape = shape
		m.needJSON = true
	}

	if len(spec.JSONPath) > 0 {
		exprs := make([]string, 0, len(spec.JSONPath))
		for expr := range spec.JSONPath {
			exprs = append(exprs, expr)
		}
		sort.Strings(exprs)
		for _, expr := range exprs {
			check, err := compilePathCheck(expr, spec.JSONPath[expr])
			if err != nil {
				return nil, err
			}
			m.paths = append(m.paths, check)
		}
		m.needJSON = true
	}

	if spec.Schema != nil {
		schema, err := compileSchema(spec.Schema)
		if err != nil {
			return nil, err
		}
		m.schema = schema
		m.needJSON = true
	}

	return m, nil
}

// Match evaluates the body. A body that must be JSON but is not fails with
// an *EvaluationError.
func (m *BodyMatcher) Match(req *Request) (bool, error) {
	if m.equals != nil && string(req.Body) != *m.equals {
		return false, nil
	}
	if m.pattern != nil && !m.pattern.Match(req.Body) {
		return false, nil
	}
	if !m.needJSON {
		return true, nil
	}

	doc, err := req.JSON()
	if err != nil {
		return false, err
	}
	if m.shape != nil && !m.shape.match(doc, true) {
		return false, nil
	}
	for _, check := range m.paths {
		if !check.match(doc) {
			return false, nil
		}
	}
	if m.schema != nil {
		if err := m.schema.Validate(doc); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// shapeNode is one node of a compiled JSON subset pattern.
type shapeNode interface {
	match(actual interface{}, present bool) bool
}

type objectShape struct {
	keys   []string
	fields map[string]shapeNode
}

func (o *objectShape) match(actual interface{}, present bool) bool {
	obj, ok := actual.(map[string]interface{})
	if !present || !ok {
		return false
	}
	for _, k := range o.keys {
		v, has := obj[k]
		if !o.fields[k].match(v, has) {
			return false
		}
	}
	return true
}

// arrayShape requires an array of the same length whose elements match in order.
type arrayShape []shapeNode

func (a arrayShape) match(actual interface{}, present bool) bool {
	arr, ok := actual.([]interface{})
	if !present || !ok || len(arr) != len(a) {
		return false
	}
	for i, el := range a {
		if !el.match(arr[i], true) {
			return false
		}
	}
	return true
}

type wildcardShape struct{}

func (wildcardShape) match(_ interface{}, present bool) bool { return present }

type literalShape struct{ value interface{} }

func (l literalShape) match(actual interface{}, present bool) bool {
	return present && valuesEqual(actual, l.value)
}

// operatorShape is a leaf such as {"$regex": "^a"}; all operators must hold.
type operatorShape []StringMatcher

func (o operatorShape) match(actual interface{}, present bool) bool {
	s := stringify(actual)
	for _, m := range o {
		if !m.Match(s, present) {
			return false
		}
	}
	return true
}

func compileShape(v interface{}, at string) (shapeNode, error) {
	switch t := v.(type) {
	case string:
		if t == Wildcard {
			return wildcardShape{}, nil
		}
		return literalShape{value: t}, nil
	case []interface{}:
		arr := make(arrayShape, len(t))
		for i, el := range t {
			node, err := compileShape(el, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			arr[i] = node
		}
		return arr, nil
	case map[string]interface{}:
		if isOperatorLeaf(t) {
			return compileOperators(t, at)
		}
		obj := &objectShape{fields: make(map[string]shapeNode, len(t))}
		for k := range t {
			obj.keys = append(obj.keys, k)
		}
		sort.Strings(obj.keys)
		for _, k := range obj.keys {
			node, err := compileShape(t[k], at+"."+k)
			if err != nil {
				return nil, err
			}
			obj.fields[k] = node
		}
		return obj, nil
	case map[interface{}]interface{}:
		conv := make(map[string]interface{}, len(t))
		for k, val := range t {
			conv[fmt.Sprint(k)] = val
		}
		return compileShape(conv, at)
	default:
		return literalShape{value: t}, nil
	}
}

func isOperatorLeaf(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func compileOperators(m map[string]interface{}, at string) (shapeNode, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ops operatorShape
	for _, k := range keys {
		op := Op(strings.TrimPrefix(k, "$"))
		val := m[k]
		if op == OpExists {
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: $exists takes a boolean", at)
			}
			if !b {
				op = OpAbsent
			}
			ops = append(ops, StringMatcher{Op: op})
			continue
		}
		sm, err := NewStringMatcher(op, stringify(val))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", at, err)
		}
		ops = append(ops, sm)
	}
	return ops, nil
}

type pathCheck struct {
	expr  string
	path  jp.Expr
	shape shapeNode
	// exists is set for {exists: bool} checks.
	exists *bool
}

func compilePathCheck(expr string, expected interface{}) (pathCheck, error) {
	p, err := jp.ParseString(expr)
	if err != nil {
		return pathCheck{}, fmt.Errorf("invalid JSONPath %q: %w", expr, err)
	}
	check := pathCheck{expr: expr, path: p}
	if m, ok := expected.(map[string]interface{}); ok && len(m) == 1 {
		if b, ok := m["exists"].(bool); ok {
			check.exists = &b
			return check, nil
		}
	}
	shape, err := compileShape(expected, expr)
	if err != nil {
		return pathCheck{}, err
	}
	check.shape = shape
	return check, nil
}

// match succeeds when any value selected by the path matches.
func (c pathCheck) match(doc interface{}) bool {
	results := c.path.Get(doc)
	if c.exists != nil {
		return (len(results) > 0) == *c.exists
	}
	if len(results) == 0 {
		return c.shape.match(nil, false)
	}
	for _, r := range results {
		if c.shape.match(r, true) {
			return true
		}
	}
	return false
}

func compileSchema(schema interface{}) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	// Convert to JSON and back to ensure consistent types
	schemaBytes, err := json.Marshal(normalize(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid body schema: %w", err)
	}
	return compiled, nil
}

// normalize converts map[interface{}]interface{} trees into JSON-compatible ones.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// valuesEqual compares two decoded JSON values, treating all numeric types as
// numbers.
func valuesEqual(actual, expected interface{}) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	actualNum, actualIsNum := toFloat64(actual)
	expectedNum, expectedIsNum := toFloat64(expected)
	if actualIsNum || expectedIsNum {
		return actualIsNum && expectedIsNum && actualNum == expectedNum
	}

	switch e := expected.(type) {
	case string:
		a, ok := actual.(string)
		return ok && a == e
	case bool:
		a, ok := actual.(bool)
		return ok && a == e
	case []interface{}:
		a, ok := actual.([]interface{})
		if !ok || len(a) != len(e) {
			return false
		}
		for i := range e {
			if !valuesEqual(a[i], e[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		a, ok := actual.(map[string]interface{})
		if !ok || len(a) != len(e) {
			return false
		}
		for k, ev := range e {
			av, has := a[k]
			if !has || !valuesEqual(av, ev) {
				return false
			}
		}
		return true
	}
	return false
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// stringify renders a decoded JSON value as the string operators see it.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		if f, ok := toFloat64(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		b, err := json.Marshal(normalize(v))
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
