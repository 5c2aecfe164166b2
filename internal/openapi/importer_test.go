package openapi

import (
	"strings"
	"testing"

	"github.com/prasenjit/translucent/internal/scenario"
)

const usersSpec = `
openapi: 3.0.0
info:
  title: Test API
  version: 1.0.0
paths:
  /users:
    get:
      operationId: getUsers
      summary: Get all users
      responses:
        '200':
          description: Success
          headers:
            X-Total-Count:
              schema:
                type: integer
              example: 2
          content:
            application/json:
              example:
                users: []
    post:
      operationId: createUser
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [name]
              properties:
                name:
                  type: string
                  minLength: 1
      responses:
        '201':
          description: Created
          content:
            application/json:
              schema:
                type: object
                properties:
                  id:
                    type: string
                    format: uuid
  /users/{id}:
    delete:
      summary: Delete user
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
      responses:
        '204':
          description: Deleted
`

func TestNewImporter(t *testing.T) {
	if NewImporter() == nil {
		t.Fatal("NewImporter returned nil")
	}
}

func TestImportData_Operations(t *testing.T) {
	p := NewImporter()

	defs, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{BasePath: "api/v1/"})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("Expected 3 definitions, got %d", len(defs))
	}

	tests := []struct {
		method string
		path   string
		status int
	}{
		{"GET", "/api/v1/users", 200},
		{"POST", "/api/v1/users", 201},
		{"DELETE", "/api/v1/users/{id}", 204},
	}
	for i, tt := range tests {
		def := defs[i]
		if def.Request.Method != tt.method {
			t.Errorf("defs[%d].Method = %q, want %q", i, def.Request.Method, tt.method)
		}
		if def.Request.Path != tt.path {
			t.Errorf("defs[%d].Path = %q, want %q", i, def.Request.Path, tt.path)
		}
		if def.Response == nil || def.Response.Status != tt.status {
			t.Errorf("defs[%d] status mismatch, want %d", i, tt.status)
		}
		if def.Priority != DefaultPriority {
			t.Errorf("defs[%d].Priority = %d, want %d", i, def.Priority, DefaultPriority)
		}
		if !strings.HasPrefix(def.ID, "openapi-") {
			t.Errorf("defs[%d].ID = %q, want openapi- prefix", i, def.ID)
		}
	}
}

func TestImportData_ExampleBodies(t *testing.T) {
	p := NewImporter()

	defs, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}

	list := defs[0].Response
	if !list.Raw {
		t.Error("Expected imported response to be raw")
	}
	if list.Body == nil || *list.Body != `{"users":[]}` {
		t.Errorf("Unexpected example body: %v", list.Body)
	}
	headers := map[string]string{}
	for i := 0; i+1 < len(list.Headers.Content); i += 2 {
		headers[list.Headers.Content[i].Value] = list.Headers.Content[i+1].Value
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", headers["Content-Type"])
	}
	if headers["X-Total-Count"] != "2" {
		t.Errorf("X-Total-Count = %q", headers["X-Total-Count"])
	}

	created := defs[1].Response
	if created.Body == nil || !strings.Contains(*created.Body, "00000000-0000-4000-8000-000000000000") {
		t.Errorf("Expected body generated from schema, got %v", created.Body)
	}

	deleted := defs[2].Response
	if deleted.Body != nil {
		t.Errorf("Expected no body for 204, got %q", *deleted.Body)
	}
}

func TestImportData_DeterministicIDs(t *testing.T) {
	p := NewImporter()

	first, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	second, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	seen := map[string]bool{}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("ID changed between imports: %q vs %q", first[i].ID, second[i].ID)
		}
		if seen[first[i].ID] {
			t.Errorf("Duplicate ID %q", first[i].ID)
		}
		seen[first[i].ID] = true
	}

	other, _ := p.ImportData([]byte(usersSpec), "other.yaml", scenario.Import{})
	if other[0].ID == first[0].ID {
		t.Error("Expected IDs to depend on the source")
	}
}

func TestImportData_PriorityOverride(t *testing.T) {
	p := NewImporter()
	prio := 5

	defs, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{Priority: &prio})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	for _, def := range defs {
		if def.Priority != 5 {
			t.Errorf("Priority = %d, want 5", def.Priority)
		}
	}
}

func TestImportData_ValidateRequests(t *testing.T) {
	p := NewImporter()

	defs, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{ValidateRequests: true})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	if defs[0].Request.Body != nil {
		t.Error("GET without request body should not get a body matcher")
	}
	body := defs[1].Request.Body
	if body == nil || body.Schema == nil {
		t.Fatal("Expected schema body matcher on POST")
	}
	schema, ok := body.Schema.(map[string]interface{})
	if !ok {
		t.Fatalf("Schema has type %T", body.Schema)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
}

func TestImportData_Build(t *testing.T) {
	p := NewImporter()

	defs, err := p.ImportData([]byte(usersSpec), "users.yaml", scenario.Import{ValidateRequests: true})
	if err != nil {
		t.Fatalf("ImportData failed: %v", err)
	}
	cat, err := scenario.Build(defs, scenario.BuildOptions{ControlPrefix: "/_api"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cat.Len() != 3 {
		t.Errorf("Expected 3 scenarios, got %d", cat.Len())
	}
}

func TestImportData_InvalidSpec(t *testing.T) {
	p := NewImporter()

	if _, err := p.ImportData([]byte("not: [valid"), "bad.yaml", scenario.Import{}); err == nil {
		t.Error("Expected error for malformed document")
	}

	missingInfo := `
openapi: 3.0.0
paths: {}
`
	if _, err := p.ImportData([]byte(missingInfo), "bad.yaml", scenario.Import{}); err == nil {
		t.Error("Expected validation error for document without info")
	}
}

func TestNormalizeBasePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api/", "/api"},
		{"/api/v1", "/api/v1"},
	}
	for _, tt := range tests {
		if got := normalizeBasePath(tt.in); got != tt.want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
