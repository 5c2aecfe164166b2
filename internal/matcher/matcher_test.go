package matcher

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prasenjit/translucent/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCandidate struct {
	id   string
	rm   *RequestMatcher
	pred *StatePredicate
}

func (c testCandidate) RequestMatcher() *RequestMatcher { return c.rm }
func (c testCandidate) StatePredicate() *StatePredicate { return c.pred }

func newReq(t *testing.T, method, target, body string, headers map[string]string) *Request {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return NewRequest(r, []byte(body))
}

func mustPath(t *testing.T, p string) *PathMatcher {
	t.Helper()
	pm, err := LiteralPath(p)
	require.NoError(t, err)
	return pm
}

func TestStringMatcher(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		value   string
		actual  string
		present bool
		want    bool
	}{
		{"equals", OpEquals, "a", "a", true, true},
		{"equals mismatch", OpEquals, "a", "b", true, false},
		{"notEquals", OpNotEquals, "a", "b", true, true},
		{"contains", OpContains, "ell", "hello", true, true},
		{"notContains", OpNotContains, "x", "hello", true, true},
		{"prefix", OpPrefix, "Bearer ", "Bearer abc", true, true},
		{"suffix", OpSuffix, ".json", "a.json", true, true},
		{"regex", OpRegex, `^\d+$`, "123", true, true},
		{"regex mismatch", OpRegex, `^\d+$`, "12a", true, false},
		{"exists", OpExists, "", "", true, true},
		{"exists missing", OpExists, "", "", false, false},
		{"absent", OpAbsent, "", "", false, true},
		{"gt numeric", OpGreaterThan, "9", "10", true, true},
		{"lte numeric", OpLTE, "10", "10", true, true},
		{"lt numeric beats lexical", OpLessThan, "10", "9", true, true},
		{"lt lexical", OpLessThan, "10", "abc", true, false},
		{"gt lexical", OpGreaterThan, "apple", "banana", true, true},
		{"gte lexical dates", OpGTE, "2024-01-01", "2024-06-30", true, true},
		{"lte lexical equal", OpLTE, "beta", "beta", true, true},
		{"lt mixed falls back to lexical", OpLessThan, "abc", "10", true, true},
		{"missing fails equals", OpEquals, "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewStringMatcher(tt.op, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.actual, tt.present))
		})
	}
}

func TestNewStringMatcher_Invalid(t *testing.T) {
	_, err := NewStringMatcher(OpRegex, "(")
	assert.Error(t, err)

	_, err = NewStringMatcher("like", "x")
	assert.Error(t, err)

	ne, err := NewStringMatcher("ne", "x")
	require.NoError(t, err)
	assert.Equal(t, OpNotEquals, ne.Op)

	m, err := NewStringMatcher(OpGreaterThan, "ten")
	require.NoError(t, err, "non-numeric bounds compare lexically")
	assert.True(t, m.Match("twelve", true))
}

func TestLiteralPath(t *testing.T) {
	pm := mustPath(t, "/users/{id}/orders/{orderId}")
	assert.Equal(t, []string{"id", "orderId"}, pm.Params())
	assert.Equal(t, "/users/", pm.StaticPrefix())

	caps, ok := pm.Match("/users/42/orders/7")
	require.True(t, ok)
	assert.Equal(t, Captures{"id": "42", "orderId": "7"}, caps)

	_, ok = pm.Match("/users/42/orders")
	assert.False(t, ok)
	_, ok = pm.Match("/users//orders/7")
	assert.False(t, ok)

	dot := mustPath(t, "/v1.0/items")
	_, ok = dot.Match("/v1x0/items")
	assert.False(t, ok)

	_, err := LiteralPath("/users/{id}/{id}")
	assert.Error(t, err)
	_, err = LiteralPath("users")
	assert.Error(t, err)
}

func TestPatternPath(t *testing.T) {
	pm, err := PatternPath(`/files/(?P<name>[a-z]+)\.txt`)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, pm.Params())

	caps, ok := pm.Match("/files/report.txt")
	require.True(t, ok)
	assert.Equal(t, "report", caps["name"])

	_, ok = pm.Match("/prefix/files/report.txt")
	assert.False(t, ok, "pattern must be anchored")

	_, err = PatternPath("(")
	assert.Error(t, err)
}

func TestBodyMatcher_JSONSubset(t *testing.T) {
	m, err := NewBodyMatcher(BodySpec{JSON: map[string]interface{}{
		"user": map[string]interface{}{
			"name": "ada",
			"age":  map[string]interface{}{"$gte": 18},
		},
		"tags":  []interface{}{"a", "*"},
		"token": "*",
		"debug": map[string]interface{}{"$exists": false},
		"count": 3,
	}})
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"full match with extra keys", `{"user":{"name":"ada","age":36,"x":1},"tags":["a","b"],"token":null,"count":3.0,"other":true}`, true},
		{"age too low", `{"user":{"name":"ada","age":2},"tags":["a","b"],"token":"t","count":3}`, false},
		{"array length differs", `{"user":{"name":"ada","age":20},"tags":["a"],"token":"t","count":3}`, false},
		{"array order matters", `{"user":{"name":"ada","age":20},"tags":["b","a"],"token":"t","count":3}`, false},
		{"missing wildcard key", `{"user":{"name":"ada","age":20},"tags":["a","b"],"count":3}`, false},
		{"forbidden key present", `{"user":{"name":"ada","age":20},"tags":["a","b"],"token":"t","count":3,"debug":1}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.Match(newReq(t, http.MethodPost, "/", tt.body, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestBodyMatcher_OperatorAliases(t *testing.T) {
	m, err := NewBodyMatcher(BodySpec{JSON: map[string]interface{}{
		"status": map[string]interface{}{"$ne": "deleted"},
		"kind":   map[string]interface{}{"$eq": "order"},
		"ref":    map[string]interface{}{"$startsWith": "ORD-", "$endsWith": "-X"},
		"name":   map[string]interface{}{"$gt": "m"},
	}})
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"all hold", `{"status":"active","kind":"order","ref":"ORD-1-X","name":"zed"}`, true},
		{"ne rejects equal value", `{"status":"deleted","kind":"order","ref":"ORD-1-X","name":"zed"}`, false},
		{"eq rejects other value", `{"status":"active","kind":"refund","ref":"ORD-1-X","name":"zed"}`, false},
		{"ne needs the key", `{"kind":"order","ref":"ORD-1-X","name":"zed"}`, false},
		{"lexical gt", `{"status":"active","kind":"order","ref":"ORD-1-X","name":"ada"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.Match(newReq(t, http.MethodPost, "/", tt.body, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err = NewBodyMatcher(BodySpec{JSON: map[string]interface{}{"a": map[string]interface{}{"$like": "x"}}})
	assert.Error(t, err)
}

func TestBodyMatcher_InvalidJSONIsEvaluationError(t *testing.T) {
	m, err := NewBodyMatcher(BodySpec{JSON: map[string]interface{}{"a": 1}})
	require.NoError(t, err)

	req := newReq(t, http.MethodPost, "/", "not json", nil)
	ok, err := m.Match(req)
	assert.False(t, ok)

	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, FieldBody, evalErr.Field)
	assert.Equal(t, err, req.BodyError())
}

func TestBodyMatcher_JSONPathAndSchema(t *testing.T) {
	m, err := NewBodyMatcher(BodySpec{
		JSONPath: map[string]interface{}{
			"$.items[*].sku": "B-2",
			"$.coupon":       map[string]interface{}{"exists": false},
		},
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"items"},
			"properties": map[string]interface{}{
				"items": map[string]interface{}{"type": "array", "minItems": 1},
			},
		},
	})
	require.NoError(t, err)

	ok, err := m.Match(newReq(t, http.MethodPost, "/", `{"items":[{"sku":"A-1"},{"sku":"B-2"}]}`, nil))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Match(newReq(t, http.MethodPost, "/", `{"items":[{"sku":"B-2"}],"coupon":"X"}`, nil))
	assert.False(t, ok)

	ok, _ = m.Match(newReq(t, http.MethodPost, "/", `{"items":[{"sku":"C-3"}]}`, nil))
	assert.False(t, ok)

	_, err = NewBodyMatcher(BodySpec{JSONPath: map[string]interface{}{"$[": 1}})
	assert.Error(t, err)
	_, err = NewBodyMatcher(BodySpec{Schema: map[string]interface{}{"type": 12}})
	assert.Error(t, err)
}

func TestBodyMatcher_EqualsAndPattern(t *testing.T) {
	exact := "ping"
	m, err := NewBodyMatcher(BodySpec{Equals: &exact})
	require.NoError(t, err)

	ok, err := m.Match(newReq(t, http.MethodPost, "/", "ping", nil))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.Match(newReq(t, http.MethodPost, "/", "pong", nil))
	assert.False(t, ok)

	p, err := NewBodyMatcher(BodySpec{Pattern: `^id=\d+$`})
	require.NoError(t, err)
	ok, _ = p.Match(newReq(t, http.MethodPost, "/", "id=12", nil))
	assert.True(t, ok)
}

func TestRequestMatcher_Evaluate(t *testing.T) {
	auth, err := NewStringMatcher(OpPrefix, "Bearer ")
	require.NoError(t, err)

	rm := &RequestMatcher{
		Method:  http.MethodGet,
		Path:    mustPath(t, "/users/{id}"),
		Query:   []FieldMatcher{{Key: "verbose", Matchers: []StringMatcher{Equals("1")}}},
		Headers: []FieldMatcher{{Key: "authorization", Matchers: []StringMatcher{auth}}},
	}

	res := rm.Evaluate(newReq(t, http.MethodGet, "/users/42?verbose=1", "", map[string]string{"Authorization": "Bearer x"}))
	require.True(t, res.Matched)
	assert.Equal(t, "42", res.Captures["id"])

	res = rm.Evaluate(newReq(t, http.MethodPost, "/users/42?verbose=1", "", nil))
	assert.Equal(t, FieldMethod, res.Failed)

	res = rm.Evaluate(newReq(t, http.MethodGet, "/people/42", "", nil))
	assert.Equal(t, FieldPath, res.Failed)

	res = rm.Evaluate(newReq(t, http.MethodGet, "/users/42", "", nil))
	assert.Equal(t, FieldQuery, res.Failed)

	res = rm.Evaluate(newReq(t, http.MethodGet, "/users/42?verbose=1", "", nil))
	assert.Equal(t, FieldHeaders, res.Failed)
}

func TestRequestMatcher_IsPure(t *testing.T) {
	rm := &RequestMatcher{Path: mustPath(t, "/a/{x}")}
	req := newReq(t, http.MethodGet, "/a/1", "", nil)

	first := rm.Evaluate(req)
	second := rm.Evaluate(req)
	assert.Equal(t, first, second)
}

func TestSelect_PriorityOrderAndTieBreak(t *testing.T) {
	candidates := []testCandidate{
		{id: "specific", rm: &RequestMatcher{Method: http.MethodGet, Path: mustPath(t, "/users/{id}")}},
		{id: "first-any", rm: &RequestMatcher{}},
		{id: "second-any", rm: &RequestMatcher{}},
	}

	sel, ok := Select(newReq(t, http.MethodGet, "/users/1", "", nil), candidates, nil, PredicateGate)
	require.True(t, ok)
	assert.Equal(t, "specific", sel.Candidate.id)

	sel, ok = Select(newReq(t, http.MethodGet, "/other", "", nil), candidates, nil, PredicateGate)
	require.True(t, ok)
	assert.Equal(t, "first-any", sel.Candidate.id)
	assert.Equal(t, 1, sel.Index)
}

func TestSelect_Deterministic(t *testing.T) {
	candidates := []testCandidate{
		{id: "a", rm: &RequestMatcher{Path: mustPath(t, "/a")}},
		{id: "b", rm: &RequestMatcher{Path: mustPath(t, "/{x}")}},
	}
	for i := 0; i < 100; i++ {
		sel, ok := Select(newReq(t, http.MethodGet, "/a", "", nil), candidates, nil, PredicateGate)
		require.True(t, ok)
		assert.Equal(t, "a", sel.Candidate.id)
	}
}

func TestSelect_PredicateModes(t *testing.T) {
	st := state.NewStore(map[string]state.Kind{"loggedIn": state.KindFlag})
	candidates := []testCandidate{
		{id: "private", rm: &RequestMatcher{Path: mustPath(t, "/me")},
			pred: &StatePredicate{Name: "loggedIn", Kind: state.KindFlag, Op: CompareEq, Flag: true}},
		{id: "fallback", rm: &RequestMatcher{}},
	}
	req := newReq(t, http.MethodGet, "/me", "", nil)

	sel, ok := Select(req, candidates, st, PredicateGate)
	require.True(t, ok)
	assert.Equal(t, "fallback", sel.Candidate.id)

	sel, ok = Select(req, candidates, st, PredicateResponse)
	require.True(t, ok)
	assert.Equal(t, "private", sel.Candidate.id)
	assert.False(t, sel.PredicateHeld)

	st.SetFlag("loggedIn", true)
	sel, ok = Select(req, candidates, st, PredicateGate)
	require.True(t, ok)
	assert.Equal(t, "private", sel.Candidate.id)
	assert.True(t, sel.PredicateHeld)
}

func TestSelect_NoMatch(t *testing.T) {
	candidates := []testCandidate{{id: "a", rm: &RequestMatcher{Path: mustPath(t, "/a")}}}
	_, ok := Select(newReq(t, http.MethodGet, "/b", "", nil), candidates, nil, PredicateGate)
	assert.False(t, ok)
}

func TestNearMisses(t *testing.T) {
	candidates := []testCandidate{
		{id: "wrong-method", rm: &RequestMatcher{Method: http.MethodPost, Path: mustPath(t, "/users")}},
		{id: "close-path", rm: &RequestMatcher{Method: http.MethodGet, Path: mustPath(t, "/user")}},
		{id: "far-path", rm: &RequestMatcher{Method: http.MethodGet, Path: mustPath(t, "/completely/else")}},
		{id: "needs-query", rm: &RequestMatcher{Method: http.MethodGet, Path: mustPath(t, "/users"),
			Query: []FieldMatcher{{Key: "q", Matchers: []StringMatcher{Equals("x")}}}}},
	}

	misses := NearMisses(newReq(t, http.MethodGet, "/users", "", nil), candidates, nil, 3)
	require.Len(t, misses, 3)
	assert.Equal(t, 3, misses[0].Index)
	assert.Equal(t, FieldQuery, misses[0].Failed)
	assert.Equal(t, 1, misses[1].Index)
	assert.Equal(t, 1, misses[1].Distance)
	assert.Equal(t, 2, misses[2].Index)
}

func TestStatePredicate(t *testing.T) {
	st := state.NewStore(map[string]state.Kind{"n": state.KindCounter})
	st.Add("n", 3)

	tests := []struct {
		op   CompareOp
		v    int64
		want bool
	}{
		{CompareEq, 3, true},
		{CompareNe, 3, false},
		{CompareGt, 2, true},
		{CompareGte, 4, false},
		{CompareLt, 4, true},
		{CompareLte, 3, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			p := &StatePredicate{Name: "n", Kind: state.KindCounter, Op: tt.op, Counter: tt.v}
			assert.Equal(t, tt.want, p.Holds(st))
		})
	}

	bad := &StatePredicate{Name: "f", Kind: state.KindFlag, Op: CompareGt}
	assert.Error(t, bad.Validate())
}

func TestParsePredicateMode(t *testing.T) {
	m, err := ParsePredicateMode("")
	require.NoError(t, err)
	assert.Equal(t, PredicateGate, m)

	m, err = ParsePredicateMode("response")
	require.NoError(t, err)
	assert.Equal(t, PredicateResponse, m)

	_, err = ParsePredicateMode("maybe")
	assert.Error(t, err)
}
