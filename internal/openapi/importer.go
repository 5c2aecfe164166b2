// Package openapi turns OpenAPI 3 documents into scenario definitions built
// from their documented examples.
package openapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	"github.com/prasenjit/translucent/internal/scenario"
)

// DefaultPriority ranks imported scenarios below hand-written ones.
const DefaultPriority = -100

// Importer handles OpenAPI 3 specification parsing
type Importer struct{}

// NewImporter creates a new OpenAPI importer
func NewImporter() *Importer {
	return &Importer{}
}

// Import implements scenario.Importer.
func (p *Importer) Import(file string, imp scenario.Import) ([]scenario.Definition, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}
	return p.convert(doc, loader, file, imp)
}

// ImportData converts an OpenAPI document given as bytes. source names it in
// generated ids and diagnostics.
func (p *Importer) ImportData(data []byte, source string, imp scenario.Import) ([]scenario.Definition, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}
	return p.convert(doc, loader, source, imp)
}

func (p *Importer) convert(doc *openapi3.T, loader *openapi3.Loader, source string, imp scenario.Import) ([]scenario.Definition, error) {
	// Validate the document
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	priority := DefaultPriority
	if imp.Priority != nil {
		priority = *imp.Priority
	}
	basePath := normalizeBasePath(imp.BasePath)

	// Sorted so that literal segments come before {param} segments.
	paths := make([]string, 0, doc.Paths.Len())
	for key := range doc.Paths.Map() {
		paths = append(paths, key)
	}
	sort.Strings(paths)

	var defs []scenario.Definition
	for _, pathPattern := range paths {
		pathItem := doc.Paths.Value(pathPattern)
		if pathItem == nil {
			continue
		}

		for _, method := range methodOrder {
			op := pathItem.GetOperation(method)
			if op == nil {
				continue
			}
			def := p.operationDefinition(source, basePath, method, pathPattern, op, imp)
			def.Priority = priority
			defs = append(defs, def)
		}
	}
	return defs, nil
}

var methodOrder = []string{
	http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete,
	http.MethodOptions, http.MethodHead, http.MethodPatch, http.MethodTrace,
}

func (p *Importer) operationDefinition(source, basePath, method, pathPattern string, op *openapi3.Operation, imp scenario.Import) scenario.Definition {
	fullPath := path.Join("/", basePath, pathPattern)

	description := op.Summary
	if op.OperationID != "" {
		description = strings.TrimSpace(op.OperationID + " " + op.Summary)
	}

	def := scenario.Definition{
		ID:          generateScenarioID(source, method, fullPath),
		Description: description,
		Request: scenario.RequestDef{
			Method: method,
			Path:   fullPath,
		},
		Source: fmt.Sprintf("%s#%s %s", source, method, pathPattern),
	}

	if imp.ValidateRequests {
		if schema := requestSchema(op); schema != nil {
			def.Request.Body = &scenario.BodyDef{Schema: schema}
		}
	}

	def.Response = exampleResponse(op)
	return def
}

// exampleResponse derives a response from the first documented success
// status (200, 201, 202, 204), falling back to the default response.
func exampleResponse(op *openapi3.Operation) *scenario.ResponseDef {
	resp := &scenario.ResponseDef{Status: http.StatusOK, Raw: true}
	if op.Responses == nil {
		return resp
	}

	var chosen *openapi3.Response
	for _, code := range []int{200, 201, 202, 204} {
		if r := op.Responses.Status(code); r != nil && r.Value != nil {
			resp.Status = code
			chosen = r.Value
			break
		}
	}
	if chosen == nil {
		if r := op.Responses.Default(); r != nil && r.Value != nil {
			chosen = r.Value
		}
	}
	if chosen == nil {
		return resp
	}

	headers := map[string]string{}
	for name, header := range chosen.Headers {
		if header.Value != nil && header.Value.Example != nil {
			headers[name] = fmt.Sprintf("%v", header.Value.Example)
		}
	}

	if resp.Status != http.StatusNoContent {
		mediaTypes := make([]string, 0, len(chosen.Content))
		for mt := range chosen.Content {
			mediaTypes = append(mediaTypes, mt)
		}
		sort.Strings(mediaTypes)
		for _, mediaType := range mediaTypes {
			if !strings.Contains(mediaType, "json") {
				continue
			}
			if body, ok := mediaExample(chosen.Content[mediaType]); ok {
				headers["Content-Type"] = mediaType
				resp.Body = &body
			}
			break
		}
	}

	resp.Headers = headerNode(headers)
	return resp
}

// mediaExample returns the direct example, then the first named example,
// then one generated from the schema.
func mediaExample(content *openapi3.MediaType) (string, bool) {
	if content == nil {
		return "", false
	}
	if content.Example != nil {
		return formatExample(content.Example), true
	}
	if len(content.Examples) > 0 {
		names := make([]string, 0, len(content.Examples))
		for name := range content.Examples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ex := content.Examples[name]
			if ex.Value != nil && ex.Value.Value != nil {
				return formatExample(ex.Value.Value), true
			}
		}
	}
	if content.Schema != nil && content.Schema.Value != nil {
		return formatExample(generateExample(content.Schema.Value, 0)), true
	}
	return "", false
}

// formatExample converts an example value to a JSON string
func formatExample(v interface{}) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}

// headerNode builds an ordered YAML mapping of header templates.
func headerNode(headers map[string]string) yaml.Node {
	if len(headers) == 0 {
		return yaml.Node{}
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	n := yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, name := range names {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: headers[name]},
		)
	}
	return n
}

// normalizeBasePath ensures the base path is properly formatted
func normalizeBasePath(basePath string) string {
	if basePath == "" {
		return ""
	}

	// Ensure it starts with /
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	// Remove trailing /
	return strings.TrimSuffix(basePath, "/")
}

// generateScenarioID generates a deterministic id from source, method and path
// so that imported scenarios keep their ids across reloads.
func generateScenarioID(source, method, path string) string {
	data := fmt.Sprintf("%s:%s:%s", source, method, path)
	hash := sha256.Sum256([]byte(data))
	return "openapi-" + hex.EncodeToString(hash[:8])
}

// generateExample builds an example value from an OpenAPI schema.
func generateExample(schema *openapi3.Schema, depth int) interface{} {
	if schema.Example != nil {
		return schema.Example
	}
	if schema.Default != nil {
		return schema.Default
	}
	if len(schema.Enum) > 0 {
		return schema.Enum[0]
	}
	if depth > 8 {
		return nil
	}

	types := schema.Type.Slice()
	if len(types) == 0 {
		if len(schema.Properties) > 0 {
			types = []string{openapi3.TypeObject}
		} else {
			return nil
		}
	}

	switch types[0] {
	case openapi3.TypeObject:
		obj := make(map[string]interface{}, len(schema.Properties))
		for name, prop := range schema.Properties {
			if prop != nil && prop.Value != nil {
				obj[name] = generateExample(prop.Value, depth+1)
			}
		}
		return obj
	case openapi3.TypeArray:
		if schema.Items != nil && schema.Items.Value != nil {
			return []interface{}{generateExample(schema.Items.Value, depth+1)}
		}
		return []interface{}{}
	case openapi3.TypeString:
		switch schema.Format {
		case "date-time":
			return "2024-01-01T00:00:00Z"
		case "date":
			return "2024-01-01"
		case "uuid":
			return "00000000-0000-4000-8000-000000000000"
		case "email":
			return "user@example.com"
		}
		return "string"
	case openapi3.TypeInteger:
		if schema.Min != nil {
			return int64(*schema.Min)
		}
		return 0
	case openapi3.TypeNumber:
		if schema.Min != nil {
			return *schema.Min
		}
		return 0.0
	case openapi3.TypeBoolean:
		return false
	}
	return nil
}

// requestSchema converts the JSON request body schema of op into a plain
// JSON Schema tree with references resolved.
func requestSchema(op *openapi3.Operation) interface{} {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	for mediaType, content := range op.RequestBody.Value.Content {
		if strings.Contains(mediaType, "json") && content.Schema != nil && content.Schema.Value != nil {
			return schemaTree(content.Schema.Value, 0)
		}
	}
	return nil
}

func schemaTree(s *openapi3.Schema, depth int) map[string]interface{} {
	out := map[string]interface{}{}
	if depth > 16 {
		return out
	}

	types := s.Type.Slice()
	if s.Nullable && len(types) > 0 {
		types = append(append([]string{}, types...), "null")
	}
	switch len(types) {
	case 0:
	case 1:
		out["type"] = types[0]
	default:
		list := make([]interface{}, len(types))
		for i, t := range types {
			list[i] = t
		}
		out["type"] = list
	}

	if len(s.Required) > 0 {
		req := make([]interface{}, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		out["required"] = req
	}
	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for name, prop := range s.Properties {
			if prop != nil && prop.Value != nil {
				props[name] = schemaTree(prop.Value, depth+1)
			}
		}
		out["properties"] = props
	}
	if s.Items != nil && s.Items.Value != nil {
		out["items"] = schemaTree(s.Items.Value, depth+1)
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Min != nil {
		out["minimum"] = *s.Min
	}
	if s.Max != nil {
		out["maximum"] = *s.Max
	}
	if s.MinLength > 0 {
		out["minLength"] = s.MinLength
	}
	if s.MaxLength != nil {
		out["maxLength"] = *s.MaxLength
	}
	if s.Pattern != "" {
		out["pattern"] = s.Pattern
	}
	if s.MinItems > 0 {
		out["minItems"] = s.MinItems
	}
	return out
}
