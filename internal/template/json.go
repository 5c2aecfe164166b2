package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// JSONTemplate is a compiled JSON document whose string leaves are templates.
// Object keys keep their declared order.
type JSONTemplate struct {
	root   jsonNode
	static []byte
}

type jsonKind int

const (
	jsonObject jsonKind = iota
	jsonArray
	jsonString
	jsonLiteral
)

type jsonNode struct {
	kind     jsonKind
	keys     []string
	children []jsonNode
	tmpl     *Template
	literal  string
}

// CompileJSON compiles a YAML (or JSON) node into a JSON template. Templates
// with no slots are rendered once here.
func CompileJSON(n *yaml.Node) (*JSONTemplate, error) {
	root, err := compileNode(n)
	if err != nil {
		return nil, err
	}
	t := &JSONTemplate{root: root}
	if root.isStatic() {
		var buf bytes.Buffer
		if err := NewEngine().writeNode(&buf, &root, &Context{}); err != nil {
			return nil, err
		}
		t.static = buf.Bytes()
	}
	return t, nil
}

// CompileJSONString compiles a JSON or YAML document given as text.
func CompileJSONString(src string) (*JSONTemplate, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON template: %w", err)
	}
	return CompileJSON(&doc)
}

func compileNode(n *yaml.Node) (jsonNode, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return jsonNode{kind: jsonLiteral, literal: "null"}, nil
		}
		return compileNode(n.Content[0])
	case yaml.AliasNode:
		return compileNode(n.Alias)
	case yaml.MappingNode:
		node := jsonNode{kind: jsonObject}
		for i := 0; i+1 < len(n.Content); i += 2 {
			child, err := compileNode(n.Content[i+1])
			if err != nil {
				return jsonNode{}, err
			}
			node.keys = append(node.keys, n.Content[i].Value)
			node.children = append(node.children, child)
		}
		return node, nil
	case yaml.SequenceNode:
		node := jsonNode{kind: jsonArray}
		for _, c := range n.Content {
			child, err := compileNode(c)
			if err != nil {
				return jsonNode{}, err
			}
			node.children = append(node.children, child)
		}
		return node, nil
	case yaml.ScalarNode:
		return compileScalar(n)
	}
	return jsonNode{}, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

func compileScalar(n *yaml.Node) (jsonNode, error) {
	switch n.ShortTag() {
	case "!!null":
		return jsonNode{kind: jsonLiteral, literal: "null"}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return jsonNode{}, err
		}
		return jsonNode{kind: jsonLiteral, literal: strconv.FormatBool(b)}, nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return jsonNode{}, err
		}
		return jsonNode{kind: jsonLiteral, literal: strconv.FormatInt(i, 10)}, nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return jsonNode{}, err
		}
		b, err := json.Marshal(f)
		if err != nil {
			return jsonNode{}, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return jsonNode{kind: jsonLiteral, literal: string(b)}, nil
	}

	t, err := Compile(n.Value)
	if err != nil {
		return jsonNode{}, fmt.Errorf("line %d: %w", n.Line, err)
	}
	return jsonNode{kind: jsonString, tmpl: t}, nil
}

func (n *jsonNode) isStatic() bool {
	switch n.kind {
	case jsonString:
		return n.tmpl.IsStatic()
	case jsonObject, jsonArray:
		for i := range n.children {
			if !n.children[i].isStatic() {
				return false
			}
		}
	}
	return true
}

func (n *jsonNode) walk(fn func(t *Template)) {
	if n.kind == jsonString {
		fn(n.tmpl)
	}
	for i := range n.children {
		n.children[i].walk(fn)
	}
}

// IsStatic reports whether the document has no slots.
func (t *JSONTemplate) IsStatic() bool {
	return t.static != nil
}

// Slots returns every slot in document order.
func (t *JSONTemplate) Slots() []*Slot {
	var slots []*Slot
	t.root.walk(func(tm *Template) {
		slots = append(slots, tm.Slots()...)
	})
	return slots
}

// RenderJSON renders a JSON template to compact JSON.
func (e *Engine) RenderJSON(t *JSONTemplate, ctx *Context) ([]byte, error) {
	if t.static != nil {
		return t.static, nil
	}
	var buf bytes.Buffer
	if err := e.writeNode(&buf, &t.root, ctx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) writeNode(buf *bytes.Buffer, n *jsonNode, ctx *Context) error {
	switch n.kind {
	case jsonLiteral:
		buf.WriteString(n.literal)
	case jsonObject:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := e.writeNode(buf, &n.children[i], ctx); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case jsonArray:
		buf.WriteByte('[')
		for i := range n.children {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeNode(buf, &n.children[i], ctx); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case jsonString:
		if s := n.tmpl.single(); s != nil && s.typed {
			v, err := e.resolveSlot(s, ctx)
			if err != nil {
				return err
			}
			if v.raw != "" {
				buf.WriteString(v.raw)
			} else {
				writeString(buf, v.text)
			}
			return nil
		}
		text, err := e.Render(n.tmpl, ctx)
		if err != nil {
			return err
		}
		writeString(buf, text)
	}
	return nil
}

// writeString writes s as a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
}
