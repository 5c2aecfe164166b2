package scenario

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prasenjit/translucent/internal/matcher"
	"github.com/prasenjit/translucent/internal/state"
	"github.com/prasenjit/translucent/internal/template"
)

// BuildOptions control catalog compilation.
type BuildOptions struct {
	// ControlPrefix is reserved for the control API; literal scenario paths
	// may not fall inside it.
	ControlPrefix string
}

// Build compiles definitions into a catalog. Every problem in every
// definition is collected into a single *ConfigError.
func Build(defs []Definition, opts BuildOptions) (*Catalog, error) {
	cerr := &ConfigError{}
	declared := declareStates(defs, cerr)

	cat := &Catalog{
		State:    state.NewStore(declared),
		LoadedAt: time.Now(),
		byID:     make(map[string]*Scenario, len(defs)),
	}

	for i := range defs {
		def := &defs[i]
		sc := compileDefinition(def, i, declared, opts, cerr)
		if sc == nil {
			continue
		}
		if prev, dup := cat.byID[sc.ID]; dup {
			cerr.add(def.Source, sc.ID, "duplicate id, first declared at %s", prev.Source)
			continue
		}
		cat.byID[sc.ID] = sc
		cat.Scenarios = append(cat.Scenarios, sc)
	}

	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	sort.SliceStable(cat.Scenarios, func(a, b int) bool {
		return cat.Scenarios[a].Priority > cat.Scenarios[b].Priority
	})
	return cat, nil
}

// declareStates collects every state name used by a predicate or effect.
func declareStates(defs []Definition, cerr *ConfigError) map[string]state.Kind {
	declared := make(map[string]state.Kind)
	declare := func(def *Definition, name string, kind state.Kind) {
		if name == "" {
			return
		}
		if prev, ok := declared[name]; ok && prev != kind {
			cerr.add(def.Source, def.ID, "state %q is used as both %s and %s", name, prev, kind)
			return
		}
		declared[name] = kind
	}

	var resets []struct {
		def  *Definition
		name string
	}
	for i := range defs {
		def := &defs[i]
		if p := def.State; p != nil {
			declare(def, p.Counter, state.KindCounter)
			declare(def, p.Flag, state.KindFlag)
		}
		for _, e := range def.Effects {
			declare(def, e.Increment, state.KindCounter)
			declare(def, e.Decrement, state.KindCounter)
			if e.Set != "" {
				if _, ok := e.Value.(bool); ok {
					declare(def, e.Set, state.KindFlag)
				} else {
					declare(def, e.Set, state.KindCounter)
				}
			}
			if e.Reset != "" {
				resets = append(resets, struct {
					def  *Definition
					name string
				}{def, e.Reset})
			}
		}
	}
	// A name that is only ever reset defaults to a counter.
	for _, r := range resets {
		if _, ok := declared[r.name]; !ok {
			declared[r.name] = state.KindCounter
		}
	}
	return declared
}

func compileDefinition(def *Definition, index int, declared map[string]state.Kind, opts BuildOptions, cerr *ConfigError) *Scenario {
	before := len(cerr.Issues)
	fail := func(format string, args ...interface{}) {
		cerr.add(def.Source, def.ID, format, args...)
	}

	id := strings.TrimSpace(def.ID)
	if id == "" {
		fail("id is required")
	}

	sc := &Scenario{
		ID:          id,
		Description: def.Description,
		Priority:    def.Priority,
		Source:      def.Source,
		Index:       index,
		Imported:    def.Imported,
		Passthrough: def.Passthrough,
	}

	sc.Matcher = compileRequest(&def.Request, def.Imported, opts, fail)

	if def.State != nil {
		p, err := compilePredicate(def.State)
		if err != nil {
			fail("state: %v", err)
		}
		sc.Predicate = p
	}

	for i, e := range def.Effects {
		eff, err := compileEffect(e, declared)
		if err != nil {
			fail("effects[%d]: %v", i, err)
			continue
		}
		sc.Effects = append(sc.Effects, eff)
	}

	var params []string
	if sc.Matcher != nil && sc.Matcher.Path != nil {
		params = sc.Matcher.Path.Params()
	}
	scope := template.Scope{PathParams: params, States: declared}

	switch {
	case def.Passthrough:
		if def.Response != nil || def.Otherwise != nil {
			fail("passthrough scenarios cannot declare a response")
		}
	case def.Response == nil:
		fail("response is required")
	default:
		sc.Response = compileResponse(def.Response, def.Response.Raw, scope, func(format string, args ...interface{}) {
			fail("response: "+format, args...)
		})
	}

	if def.Otherwise != nil {
		if def.State == nil {
			fail("otherwise requires a state predicate")
		}
		sc.Otherwise = compileResponse(def.Otherwise, def.Otherwise.Raw, scope, func(format string, args ...interface{}) {
			fail("otherwise: "+format, args...)
		})
	}

	if len(cerr.Issues) > before {
		return nil
	}
	return sc
}

func compileRequest(req *RequestDef, imported bool, opts BuildOptions, fail func(string, ...interface{})) *matcher.RequestMatcher {
	rm := &matcher.RequestMatcher{}

	method, err := matcher.NormalizeMethod(req.Method)
	if err != nil {
		fail("%v", err)
	}
	rm.Method = method

	switch {
	case req.Path != "" && req.PathPattern != "":
		fail("path and pathPattern are mutually exclusive")
	case req.Path != "":
		pm, err := matcher.LiteralPath(req.Path)
		if err != nil {
			fail("%v", err)
			break
		}
		if !imported && inControlPrefix(pm.StaticPrefix(), req.Path, opts.ControlPrefix) {
			fail("path %q is inside the reserved control prefix %q", req.Path, opts.ControlPrefix)
		}
		rm.Path = pm
	case req.PathPattern != "":
		pm, err := matcher.PatternPath(req.PathPattern)
		if err != nil {
			fail("%v", err)
			break
		}
		rm.Path = pm
	}

	rm.Query = compileFields("query", req.Query, fail)
	rm.Headers = compileFields("headers", req.Headers, fail)

	if req.Body != nil {
		bm, err := matcher.NewBodyMatcher(matcher.BodySpec{
			Equals:   req.Body.Equals,
			Pattern:  req.Body.Pattern,
			JSON:     req.Body.JSON,
			JSONPath: req.Body.JSONPath,
			Schema:   req.Body.Schema,
		})
		if err != nil {
			fail("body: %v", err)
		}
		rm.Body = bm
	}
	return rm
}

// inControlPrefix reports whether a literal path can only match inside prefix.
func inControlPrefix(static, path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	prefix = strings.TrimRight(prefix, "/")
	if path == prefix {
		return true
	}
	return strings.HasPrefix(static, prefix+"/")
}

func compileFields(what string, defs map[string]MatcherDef, fail func(string, ...interface{})) []matcher.FieldMatcher {
	if len(defs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]matcher.FieldMatcher, 0, len(keys))
	for _, k := range keys {
		f := matcher.FieldMatcher{Key: k}
		for _, op := range defs[k].Ops {
			sm, err := matcher.NewStringMatcher(matcher.Op(op.Op), op.Value)
			if err != nil {
				fail("%s %q: %v", what, k, err)
				continue
			}
			f.Matchers = append(f.Matchers, sm)
		}
		fields = append(fields, f)
	}
	return fields
}

func compilePredicate(def *PredicateDef) (*matcher.StatePredicate, error) {
	p := &matcher.StatePredicate{}
	switch {
	case def.Counter != "" && def.Flag != "":
		return nil, fmt.Errorf("name either a counter or a flag, not both")
	case def.Counter != "":
		p.Name, p.Kind = def.Counter, state.KindCounter
	case def.Flag != "":
		p.Name, p.Kind = def.Flag, state.KindFlag
	default:
		return nil, fmt.Errorf("counter or flag is required")
	}

	type cmp struct {
		op  matcher.CompareOp
		val interface{}
	}
	var set []cmp
	if def.Eq != nil {
		set = append(set, cmp{matcher.CompareEq, def.Eq})
	}
	if def.Ne != nil {
		set = append(set, cmp{matcher.CompareNe, def.Ne})
	}
	for _, c := range []struct {
		op  matcher.CompareOp
		val *int64
	}{
		{matcher.CompareGt, def.Gt}, {matcher.CompareGte, def.Gte},
		{matcher.CompareLt, def.Lt}, {matcher.CompareLte, def.Lte},
	} {
		if c.val != nil {
			set = append(set, cmp{c.op, *c.val})
		}
	}
	if len(set) != 1 {
		return nil, fmt.Errorf("exactly one of eq, ne, gt, gte, lt, lte is required")
	}
	p.Op = set[0].op

	if p.Kind == state.KindFlag {
		b, ok := set[0].val.(bool)
		if !ok {
			return nil, fmt.Errorf("flag %q compares against a boolean", p.Name)
		}
		p.Flag = b
	} else {
		n, ok := toInt64(set[0].val)
		if !ok {
			return nil, fmt.Errorf("counter %q compares against an integer", p.Name)
		}
		p.Counter = n
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func compileEffect(def EffectDef, declared map[string]state.Kind) (state.Effect, error) {
	var e state.Effect
	n := 0
	for _, c := range []struct {
		op   state.Op
		name string
	}{
		{state.OpIncrement, def.Increment}, {state.OpDecrement, def.Decrement},
		{state.OpSet, def.Set}, {state.OpReset, def.Reset},
	} {
		if c.name != "" {
			e.Op, e.Name = c.op, c.name
			n++
		}
	}
	if n != 1 {
		return e, fmt.Errorf("exactly one of increment, decrement, set, reset is required")
	}
	e.Kind = declared[e.Name]

	if e.Op == state.OpSet {
		switch v := def.Value.(type) {
		case bool:
			e.Flag = v
		case nil:
			return e, fmt.Errorf("set %q needs a value", e.Name)
		default:
			num, ok := toInt64(v)
			if !ok {
				return e, fmt.Errorf("set %q needs an integer or boolean value", e.Name)
			}
			e.Counter = num
		}
	} else if def.Value != nil {
		return e, fmt.Errorf("%s does not take a value", e.Op)
	}
	return e, e.Validate()
}

func compileResponse(def *ResponseDef, raw bool, scope template.Scope, fail func(string, ...interface{})) *Response {
	resp := &Response{Status: def.Status}
	if resp.Status == 0 {
		resp.Status = 200
	}
	if resp.Status < 100 || resp.Status > 599 {
		fail("status %d is out of range 100-599", resp.Status)
	}

	var slots []*template.Slot

	if def.Headers.Kind != 0 {
		if def.Headers.Kind != yaml.MappingNode {
			fail("headers must be a mapping")
		} else {
			for i := 0; i+1 < len(def.Headers.Content); i += 2 {
				name, val := def.Headers.Content[i].Value, def.Headers.Content[i+1]
				if val.Kind != yaml.ScalarNode {
					fail("header %q must be a string", name)
					continue
				}
				t := template.Literal(val.Value)
				if !raw {
					var err error
					if t, err = template.Compile(val.Value); err != nil {
						fail("header %q: %v", name, err)
						continue
					}
				}
				resp.Headers = append(resp.Headers, Header{Name: name, Value: t})
				slots = append(slots, t.Slots()...)
			}
		}
	}

	hasJSON := def.JSON.Kind != 0
	if def.Body != nil && hasJSON {
		fail("body and json are mutually exclusive")
	}
	switch {
	case def.Body != nil && raw:
		resp.Body = template.Literal(*def.Body)
	case def.Body != nil:
		t, err := template.Compile(*def.Body)
		if err != nil {
			fail("body: %v", err)
		} else {
			resp.Body = t
			slots = append(slots, t.Slots()...)
		}
	case hasJSON:
		jt, err := template.CompileJSON(&def.JSON)
		if err != nil {
			fail("json: %v", err)
		} else {
			resp.JSON = jt
			slots = append(slots, jt.Slots()...)
		}
	}

	for _, err := range scope.Check(slots) {
		fail("%v", err)
	}

	if d := def.Delay; d != nil {
		if d.Min < 0 || d.Max < d.Min {
			fail("delay range %s-%s is invalid", d.Min, d.Max)
		}
		resp.Delay = Delay{Min: d.Min, Max: d.Max}
	}
	return resp
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
