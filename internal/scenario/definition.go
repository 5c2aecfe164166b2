package scenario

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level shape of a scenario file. A file may also be a bare
// sequence of scenario definitions.
type File struct {
	Scenarios []Definition `yaml:"scenarios" json:"scenarios"`
	Imports   []Import     `yaml:"imports" json:"imports"`
}

// Import pulls additional scenarios from an external description.
type Import struct {
	// OpenAPI is the path of an OpenAPI 3 document, relative to the file.
	OpenAPI string `yaml:"openapi" json:"openapi"`
	// BasePath is prepended to every imported path.
	BasePath string `yaml:"basePath" json:"basePath"`
	// Priority of the imported scenarios; defaults to -100 so hand-written
	// scenarios win.
	Priority *int `yaml:"priority" json:"priority"`
	// ValidateRequests requires request bodies to validate against the
	// documented request schema.
	ValidateRequests bool `yaml:"validateRequests" json:"validateRequests"`
}

// Definition is a scenario as written in a file.
type Definition struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Priority    int           `yaml:"priority"`
	Request     RequestDef    `yaml:"request"`
	State       *PredicateDef `yaml:"state"`
	Effects     []EffectDef   `yaml:"effects"`
	Response    *ResponseDef  `yaml:"response"`
	Otherwise   *ResponseDef  `yaml:"otherwise"`
	Passthrough bool          `yaml:"passthrough"`

	// Source is the file and line the definition came from.
	Source   string `yaml:"-"`
	Imported bool   `yaml:"-"`
}

// RequestDef declares the request matcher.
type RequestDef struct {
	Method      string                `yaml:"method"`
	Path        string                `yaml:"path"`
	PathPattern string                `yaml:"pathPattern"`
	Query       map[string]MatcherDef `yaml:"query"`
	Headers     map[string]MatcherDef `yaml:"headers"`
	Body        *BodyDef              `yaml:"body"`
}

// MatcherDef is a string matcher: a scalar means equals, a mapping names
// operators, e.g. {prefix: "Bearer "}.
type MatcherDef struct {
	Ops []OpDef
}

// OpDef is one operator and its operand.
type OpDef struct {
	Op    string
	Value string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MatcherDef) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		m.Ops = []OpDef{{Op: "equals", Value: n.Value}}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: operator %q takes a scalar", v.Line, k.Value)
			}
			m.Ops = append(m.Ops, OpDef{Op: k.Value, Value: v.Value})
		}
		return nil
	}
	return fmt.Errorf("line %d: matcher must be a scalar or a mapping of operators", n.Line)
}

// BodyDef declares body criteria; all present criteria must hold.
type BodyDef struct {
	Equals   *string                `yaml:"equals"`
	Pattern  string                 `yaml:"pattern"`
	JSON     interface{}            `yaml:"json"`
	JSONPath map[string]interface{} `yaml:"jsonPath"`
	Schema   interface{}            `yaml:"schema"`
}

// PredicateDef is a condition on a named counter or flag, e.g.
// {counter: attempts, gte: 3} or {flag: loggedIn, eq: true}.
type PredicateDef struct {
	Counter string      `yaml:"counter"`
	Flag    string      `yaml:"flag"`
	Eq      interface{} `yaml:"eq"`
	Ne      interface{} `yaml:"ne"`
	Gt      *int64      `yaml:"gt"`
	Gte     *int64      `yaml:"gte"`
	Lt      *int64      `yaml:"lt"`
	Lte     *int64      `yaml:"lte"`
}

// EffectDef is a state mutation committed after the response is served, e.g.
// {increment: attempts}, {set: loggedIn, value: true} or {reset: attempts}.
type EffectDef struct {
	Increment string      `yaml:"increment"`
	Decrement string      `yaml:"decrement"`
	Set       string      `yaml:"set"`
	Reset     string      `yaml:"reset"`
	Value     interface{} `yaml:"value"`
}

// ResponseDef declares a response template.
type ResponseDef struct {
	Status  int       `yaml:"status"`
	Headers yaml.Node `yaml:"headers"`
	Body    *string   `yaml:"body"`
	JSON    yaml.Node `yaml:"json"`
	// Raw disables templating of Body and Headers.
	Raw   bool      `yaml:"raw"`
	Delay *DelayDef `yaml:"delay"`
}

// DelayDef is a fixed delay ("150ms") or a range ({min: 10ms, max: 50ms}).
type DelayDef struct {
	Min time.Duration
	Max time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DelayDef) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := time.ParseDuration(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid delay: %w", n.Line, err)
		}
		d.Min, d.Max = v, v
		return nil
	case yaml.MappingNode:
		var raw struct {
			Min string `yaml:"min"`
			Max string `yaml:"max"`
		}
		if err := checkFields(n, reflect.TypeOf(raw), "delay"); err != nil {
			return fmt.Errorf("line %w", err)
		}
		if err := n.Decode(&raw); err != nil {
			return err
		}
		var err error
		if d.Min, err = time.ParseDuration(raw.Min); err != nil {
			return fmt.Errorf("line %d: invalid delay min: %w", n.Line, err)
		}
		if d.Max, err = time.ParseDuration(raw.Max); err != nil {
			return fmt.Errorf("line %d: invalid delay max: %w", n.Line, err)
		}
		return nil
	}
	return fmt.Errorf("line %d: delay must be a duration or {min, max}", n.Line)
}

// Parse decodes a scenario file. JSON files parse as YAML.
func Parse(data []byte, source string) (*File, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	if len(doc.Content) == 0 {
		return &File{}, nil
	}
	root := doc.Content[0]

	var f File
	switch root.Kind {
	case yaml.SequenceNode:
		if err := decodeDefinitions(root, source, &f.Scenarios); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			k, v := root.Content[i], root.Content[i+1]
			switch k.Value {
			case "scenarios":
				if err := decodeDefinitions(v, source, &f.Scenarios); err != nil {
					return nil, err
				}
			case "imports":
				if err := checkFields(v, reflect.TypeOf(f.Imports), "imports"); err != nil {
					return nil, fmt.Errorf("%s:%w", source, err)
				}
				if err := v.Decode(&f.Imports); err != nil {
					return nil, fmt.Errorf("failed to parse %s imports: %w", source, err)
				}
			default:
				return nil, fmt.Errorf("%s:%d: unknown top-level key %q", source, k.Line, k.Value)
			}
		}
	default:
		return nil, fmt.Errorf("%s: expected a list of scenarios or a mapping with scenarios", source)
	}
	return &f, nil
}

func decodeDefinitions(n *yaml.Node, source string, out *[]Definition) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("%s:%d: scenarios must be a list", source, n.Line)
	}
	for _, item := range n.Content {
		var def Definition
		if err := checkFields(item, reflect.TypeOf(def), "scenario"); err != nil {
			return fmt.Errorf("%s:%w", source, err)
		}
		if err := item.Decode(&def); err != nil {
			return fmt.Errorf("%s:%d: %w", source, item.Line, err)
		}
		def.Source = fmt.Sprintf("%s:%d", source, item.Line)
		*out = append(*out, def)
	}
	return nil
}

var (
	unmarshalerType = reflect.TypeOf((*yaml.Unmarshaler)(nil)).Elem()
	nodeType        = reflect.TypeOf(yaml.Node{})
)

// checkFields rejects mapping keys that no yaml tag of t names, so a typo
// such as "methd" fails the load instead of silently widening a matcher.
// Types with their own unmarshaler validate their keys themselves.
func checkFields(n *yaml.Node, t reflect.Type, where string) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nodeType || reflect.PointerTo(t).Implements(unmarshalerType) {
		return nil
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch t.Kind() {
	case reflect.Struct:
		if n.Kind != yaml.MappingNode {
			return nil
		}
		fields := make(map[string]reflect.StructField, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" || !f.IsExported() {
				continue
			}
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			fields[name] = f
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			f, ok := fields[k.Value]
			if !ok {
				return fmt.Errorf("%d: unknown field %q in %s", k.Line, k.Value, where)
			}
			if err := checkFields(v, f.Type, where+"."+k.Value); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if n.Kind != yaml.SequenceNode {
			return nil
		}
		for _, item := range n.Content {
			if err := checkFields(item, t.Elem(), where); err != nil {
				return err
			}
		}
	case reflect.Map:
		if n.Kind != yaml.MappingNode {
			return nil
		}
		for i := 1; i < len(n.Content); i += 2 {
			if err := checkFields(n.Content[i], t.Elem(), where+"."+n.Content[i-1].Value); err != nil {
				return err
			}
		}
	}
	return nil
}
