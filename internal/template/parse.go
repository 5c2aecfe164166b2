package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Template is a compiled string template: literal text interleaved with slots.
type Template struct {
	source   string
	segments []segment
}

type segment struct {
	text string
	slot *Slot
}

// Slot is one {{ ... }} expression.
type Slot struct {
	// Expr is the expression as written, without braces and filters.
	Expr    string
	Source  string
	Key     string
	Func    string
	Args    []string
	Default *string

	resolve resolver
	// typed slots can emit a raw JSON value when they fill a whole string leaf.
	typed bool
}

// Compile parses a template string. Every slot is parsed and its generator
// arguments validated up front.
func Compile(src string) (*Template, error) {
	t := &Template{source: src}
	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{text: rest})
			}
			break
		}
		if start > 0 {
			t.segments = append(t.segments, segment{text: rest[:start]})
		}
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated slot in template %q", src)
		}
		inner := rest[start+2 : start+2+end]
		slot, err := parseSlot(inner)
		if err != nil {
			return nil, fmt.Errorf("invalid slot {{%s}}: %w", inner, err)
		}
		t.segments = append(t.segments, segment{slot: slot})
		rest = rest[start+2+end+2:]
	}
	return t, nil
}

// Literal returns a template that renders text verbatim.
func Literal(text string) *Template {
	t := &Template{source: text}
	if text != "" {
		t.segments = []segment{{text: text}}
	}
	return t
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Template {
	t, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the template text as written.
func (t *Template) Source() string {
	return t.source
}

// IsStatic reports whether the template has no slots.
func (t *Template) IsStatic() bool {
	for _, s := range t.segments {
		if s.slot != nil {
			return false
		}
	}
	return true
}

// Slots returns the template's slots in order.
func (t *Template) Slots() []*Slot {
	var slots []*Slot
	for _, s := range t.segments {
		if s.slot != nil {
			slots = append(slots, s.slot)
		}
	}
	return slots
}

// single returns the only slot when the template is exactly one slot.
func (t *Template) single() *Slot {
	if len(t.segments) == 1 && t.segments[0].slot != nil {
		return t.segments[0].slot
	}
	return nil
}

func parseSlot(inner string) (*Slot, error) {
	parts := splitTopLevel(inner, '|')
	expr := strings.TrimSpace(parts[0])
	// Handle optional leading dot (e.g., both "path.id" and ".path.id" are valid)
	expr = strings.TrimPrefix(expr, ".")
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	slot := &Slot{Expr: expr}
	for _, f := range parts[1:] {
		f = strings.TrimSpace(f)
		name, arg, _ := strings.Cut(f, " ")
		switch name {
		case "default":
			v, err := unquote(strings.TrimSpace(arg))
			if err != nil {
				return nil, fmt.Errorf("default: %w", err)
			}
			slot.Default = &v
		default:
			return nil, fmt.Errorf("unknown filter %q", name)
		}
	}

	source, key, _ := strings.Cut(expr, ".")
	slot.Source = source
	slot.Key = key
	generator := source == "random" || source == "timestamp"
	if i := strings.Index(key, "("); generator && i >= 0 && strings.HasSuffix(key, ")") {
		slot.Func = key[:i]
		raw := key[i+1 : len(key)-1]
		if slot.Func == "format" || slot.Func == "add" {
			if raw != "" {
				v, err := unquote(strings.TrimSpace(raw))
				if err != nil {
					return nil, err
				}
				slot.Args = []string{v}
			}
		} else if strings.TrimSpace(raw) != "" {
			for _, a := range splitTopLevel(raw, ',') {
				v, err := unquote(strings.TrimSpace(a))
				if err != nil {
					return nil, err
				}
				slot.Args = append(slot.Args, v)
			}
		}
	} else if generator {
		slot.Func = key
	}

	if err := bindResolver(slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// splitTopLevel splits s on sep outside of quotes and parentheses.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func unquote(s string) (string, error) {
	if len(s) >= 2 {
		if s[0] == '"' && s[len(s)-1] == '"' {
			return strconv.Unquote(s)
		}
		if s[0] == '\'' && s[len(s)-1] == '\'' {
			return s[1 : len(s)-1], nil
		}
	}
	return s, nil
}
