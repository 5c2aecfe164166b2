package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prasenjit/translucent/internal/models"
	"github.com/prasenjit/translucent/internal/recorder"
	"github.com/prasenjit/translucent/internal/scenario"
	"github.com/prasenjit/translucent/internal/session"
	"github.com/prasenjit/translucent/internal/stats"
)

const testScenarios = `
scenarios:
  - id: get-user
    request:
      method: GET
      path: /users/{id}
    response:
      json: {id: "{{path.id}}"}
  - id: dashboard
    request:
      path: /dashboard
    state: {flag: loggedIn, eq: true}
    effects:
      - increment: views
    response:
      body: welcome
`

type testEnv struct {
	handler   *Handler
	router    *Router
	store     *scenario.Store
	recorder  *recorder.Recorder
	sessions  *session.Manager
	collector *stats.Collector
	file      string
	simulated int
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	file := filepath.Join(t.TempDir(), "scenarios.yaml")
	if err := os.WriteFile(file, []byte(testScenarios), 0o644); err != nil {
		t.Fatalf("Failed to write scenarios: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := scenario.NewStore()
	reloader := scenario.NewReloader(store, scenario.NewLoader([]string{file}, scenario.LoaderOptions{ControlPrefix: "/_api"}), logger)
	if _, err := reloader.Reload(); err != nil {
		t.Fatalf("Failed to load scenarios: %v", err)
	}

	env := &testEnv{
		store:     store,
		recorder:  recorder.New(recorder.Options{}),
		sessions:  session.NewManager(session.Options{}),
		collector: stats.NewCollector(stats.Options{}),
		file:      file,
	}
	env.handler = NewHandler(store, reloader, env.recorder, env.sessions, env.collector, "test")

	simulator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.simulated++
		w.Header().Set("X-Simulated", r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	})
	env.router = NewRouter(env.handler, simulator, "/_api", logger)
	return env
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", result["status"])
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on control endpoints")
	}
}

func TestInfo(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/info", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["version"] != "test" {
		t.Errorf("Expected version 'test', got %v", result["version"])
	}
	if result["generation"] != float64(1) {
		t.Errorf("Expected generation 1, got %v", result["generation"])
	}
	if result["scenarios"] != float64(2) {
		t.Errorf("Expected 2 scenarios, got %v", result["scenarios"])
	}
	if _, ok := result["lastReloadError"]; ok {
		t.Error("Expected no reload error")
	}
}

func TestListScenarios(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/scenarios", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var result []scenario.Summary
	decodeBody(t, w, &result)
	if len(result) != 2 {
		t.Fatalf("Expected 2 scenarios, got %d", len(result))
	}
	if result[0].ID != "get-user" || result[0].Method != "GET" || result[0].Path != "/users/{id}" {
		t.Errorf("Unexpected first scenario: %+v", result[0])
	}
	if result[1].Method != "*" || !result[1].HasState {
		t.Errorf("Unexpected second scenario: %+v", result[1])
	}
}

func TestGetScenario(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/scenarios/dashboard", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var detail map[string]interface{}
	decodeBody(t, w, &detail)
	if detail["id"] != "dashboard" {
		t.Errorf("Expected id 'dashboard', got %v", detail["id"])
	}
	if detail["effects"] != float64(1) {
		t.Errorf("Expected 1 effect, got %v", detail["effects"])
	}
	if detail["state"] == "" || detail["state"] == nil {
		t.Error("Expected state predicate description")
	}
}

func TestGetScenario_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/scenarios/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestReload(t *testing.T) {
	env := setupTestEnv(t)

	updated := testScenarios + `
  - id: extra
    request:
      path: /extra
    response:
      body: extra
`
	if err := os.WriteFile(env.file, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.do("POST", "/_api/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["generation"] != float64(2) {
		t.Errorf("Expected generation 2, got %v", result["generation"])
	}
	if result["scenarios"] != float64(3) {
		t.Errorf("Expected 3 scenarios, got %v", result["scenarios"])
	}
}

func TestReload_InvalidKeepsGeneration(t *testing.T) {
	env := setupTestEnv(t)

	broken := `
scenarios:
  - id: bad
    request:
      path: no-slash
`
	if err := os.WriteFile(env.file, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.do("POST", "/_api/reload", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", w.Code)
	}
	var result map[string]interface{}
	decodeBody(t, w, &result)
	if result["error"] == nil {
		t.Error("Expected an error message")
	}
	if issues, ok := result["issues"].([]interface{}); !ok || len(issues) == 0 {
		t.Errorf("Expected issues, got %v", result["issues"])
	}
	if result["generation"] != float64(1) {
		t.Errorf("Expected generation 1 to keep serving, got %v", result["generation"])
	}
	if env.store.Current().Generation != 1 {
		t.Errorf("Expected store to keep generation 1, got %d", env.store.Current().Generation)
	}

	w = env.do("GET", "/_api/info", "")
	decodeBody(t, w, &result)
	if result["lastReloadError"] == nil {
		t.Error("Expected lastReloadError in info")
	}
}

func TestReload_Unavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(scenario.NewStore(), nil, recorder.New(recorder.Options{}), nil, stats.NewCollector(stats.Options{}), "test")

	r := gin.New()
	r.POST("/reload", handler.Reload)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/reload", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestInteractions(t *testing.T) {
	env := setupTestEnv(t)

	env.recorder.Record(&models.Interaction{ScenarioID: "get-user", Outcome: models.OutcomeSynthesized,
		Request: models.InteractionRequest{Method: "GET", Path: "/users/1"}})
	env.recorder.Record(&models.Interaction{Outcome: models.OutcomeNoMatch,
		Request: models.InteractionRequest{Method: "POST", Path: "/nope"}})

	w := env.do("GET", "/_api/interactions", "")
	var all []models.Interaction
	decodeBody(t, w, &all)
	if len(all) != 2 {
		t.Fatalf("Expected 2 interactions, got %d", len(all))
	}
	if all[0].Outcome != models.OutcomeNoMatch {
		t.Errorf("Expected newest first, got %s", all[0].Outcome)
	}

	w = env.do("GET", "/_api/interactions?scenario=get-user", "")
	var filtered []models.Interaction
	decodeBody(t, w, &filtered)
	if len(filtered) != 1 || filtered[0].ScenarioID != "get-user" {
		t.Fatalf("Expected only get-user, got %+v", filtered)
	}

	w = env.do("GET", "/_api/interactions/"+filtered[0].ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = env.do("GET", "/_api/interactions/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = env.do("GET", "/_api/interactions?status=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = env.do("DELETE", "/_api/interactions", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if env.recorder.Len() != 0 {
		t.Errorf("Expected recorder to be cleared, got %d", env.recorder.Len())
	}
}

func TestInteractionStream(t *testing.T) {
	env := setupTestEnv(t)
	srv := httptest.NewServer(env.router.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/_api/interactions/stream?scenario=get-user"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	// Give the handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	env.recorder.Record(&models.Interaction{ScenarioID: "other"})
	env.recorder.Record(&models.Interaction{ScenarioID: "get-user", Outcome: models.OutcomeSynthesized})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Interaction
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if got.ScenarioID != "get-user" {
		t.Errorf("Expected get-user, got %q", got.ScenarioID)
	}
}

func TestState(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("PUT", "/_api/state/loggedIn", `{"flag": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !env.store.Current().State.Flag("loggedIn") {
		t.Error("Expected loggedIn to be set")
	}

	w = env.do("PUT", "/_api/state/views", `{"counter": 5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = env.do("GET", "/_api/state", "")
	var snapshot struct {
		Generation uint64 `json:"generation"`
		Values     []struct {
			Name    string `json:"name"`
			Kind    string `json:"kind"`
			Counter int64  `json:"counter"`
			Flag    bool   `json:"flag"`
		} `json:"values"`
	}
	decodeBody(t, w, &snapshot)
	if snapshot.Generation != 1 || len(snapshot.Values) != 2 {
		t.Fatalf("Unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Values[0].Name != "loggedIn" || !snapshot.Values[0].Flag {
		t.Errorf("Unexpected first value: %+v", snapshot.Values[0])
	}
	if snapshot.Values[1].Name != "views" || snapshot.Values[1].Counter != 5 {
		t.Errorf("Unexpected second value: %+v", snapshot.Values[1])
	}

	w = env.do("POST", "/_api/state/reset", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if env.store.Current().State.Counter("views") != 0 {
		t.Error("Expected views to be reset")
	}
}

func TestSetState_Invalid(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"neither", `{}`, http.StatusBadRequest},
		{"both", `{"counter": 1, "flag": true}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
		{"kind conflict", `{"counter": 1}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("PUT", "/_api/state/loggedIn", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestStats(t *testing.T) {
	env := setupTestEnv(t)
	env.collector.Observe(stats.Sample{
		ScenarioID: "get-user",
		Method:     "GET",
		Path:       "/users/{id}",
		Outcome:    models.OutcomeSynthesized,
		Latency:    5 * time.Millisecond,
	})

	w := env.do("GET", "/_api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var result struct {
		Global    models.GlobalStats    `json:"global"`
		Scenarios []models.ScenarioStat `json:"scenarios"`
	}
	decodeBody(t, w, &result)
	if result.Global.TotalRequests != 1 {
		t.Errorf("Expected 1 request, got %d", result.Global.TotalRequests)
	}
	if result.Global.Generation != 1 || result.Global.TotalScenarios != 2 {
		t.Errorf("Unexpected generation/scenarios: %d/%d", result.Global.Generation, result.Global.TotalScenarios)
	}
	if len(result.Scenarios) != 1 {
		t.Errorf("Expected 1 scenario stat, got %d", len(result.Scenarios))
	}

	w = env.do("GET", "/_api/stats/scenarios/get-user", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = env.do("POST", "/_api/stats/reset", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if env.collector.Global(0, 0).TotalRequests != 0 {
		t.Error("Expected stats to be reset")
	}
}

func TestRouter_SimulatedTraffic(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/users/1"},
		{"OPTIONS", "/users/1"},
		{"GET", "/users/1/"},
		{"GET", "/_apiary"},
		{"PATCH", "/"},
	}
	for _, tt := range tests {
		w := env.do(tt.method, tt.path, "")
		if w.Code != http.StatusTeapot {
			t.Errorf("%s %s: expected simulator status 418, got %d", tt.method, tt.path, w.Code)
		}
		if got := w.Header().Get("X-Simulated"); got != tt.method+" "+tt.path {
			t.Errorf("%s %s: unexpected simulator header %q", tt.method, tt.path, got)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("%s %s: CORS headers leaked into simulated traffic", tt.method, tt.path)
		}
	}
	if env.simulated != len(tests) {
		t.Errorf("Expected %d simulated requests, got %d", len(tests), env.simulated)
	}
}

func TestRouter_UnknownControlPath(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("GET", "/_api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	w = env.do("OPTIONS", "/_api/scenarios", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status 204, got %d", w.Code)
	}
	if env.simulated != 0 {
		t.Errorf("Expected no simulated requests, got %d", env.simulated)
	}
}

func TestRouter_Recovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(scenario.NewStore(), nil, recorder.New(recorder.Options{}), nil, stats.NewCollector(stats.Options{}), "test")

	var abort bool
	simulator := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if abort {
			panic(http.ErrAbortHandler)
		}
		panic("boom")
	})
	router := NewRouter(handler, simulator, "", logger)

	w := httptest.NewRecorder()
	router.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}

	abort = true
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("Expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	router.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", bytes.NewReader(nil)))
	t.Error("Expected panic")
}

func TestSessions(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do("POST", "/_api/sessions", `{"id":"checkout"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var info session.Info
	decodeBody(t, w, &info)
	if info.ID != "checkout" || info.Mode != session.ModeRecord {
		t.Errorf("Expected a recording session, got %+v", info)
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"duplicate id", "POST", "/_api/sessions", `{"id":"checkout"}`, http.StatusConflict},
		{"missing id", "POST", "/_api/sessions", `{"mode":"record"}`, http.StatusBadRequest},
		{"unknown mode", "POST", "/_api/sessions", `{"id":"x","mode":"proxy"}`, http.StatusBadRequest},
		{"malformed body", "POST", "/_api/sessions", `{`, http.StatusBadRequest},
		{"get unknown", "GET", "/_api/sessions/nope", "", http.StatusNotFound},
		{"mode of unknown", "PUT", "/_api/sessions/nope/mode", `{"mode":"replay"}`, http.StatusNotFound},
		{"mode required", "PUT", "/_api/sessions/checkout/mode", `{}`, http.StatusBadRequest},
		{"delete unknown", "DELETE", "/_api/sessions/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(tt.method, tt.target, tt.body); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	env.sessions.Record("checkout", session.Exchange{
		Method: "GET", Path: "/cart", Status: 200,
		Header: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"items":[]}`),
	})

	w = env.do("GET", "/_api/sessions/checkout", "")
	var detail struct {
		Session   session.Info `json:"session"`
		Exchanges []struct {
			Path string `json:"path"`
			Body string `json:"body"`
		} `json:"exchanges"`
	}
	decodeBody(t, w, &detail)
	if detail.Session.Exchanges != 1 || len(detail.Exchanges) != 1 || detail.Exchanges[0].Body != `{"items":[]}` {
		t.Errorf("Unexpected session detail %+v", detail)
	}

	w = env.do("PUT", "/_api/sessions/checkout/mode", `{"mode":"replay"}`)
	decodeBody(t, w, &info)
	if w.Code != http.StatusOK || info.Mode != session.ModeReplay {
		t.Errorf("Expected replay mode, got %d %+v", w.Code, info)
	}

	w = env.do("GET", "/_api/sessions", "")
	var list []session.Info
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].ID != "checkout" {
		t.Errorf("Unexpected session list %+v", list)
	}

	if w := env.do("DELETE", "/_api/sessions/checkout", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if env.simulated != 0 {
		t.Errorf("Session routes must not reach the simulator, got %d calls", env.simulated)
	}
}

func TestSessions_Unavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(scenario.NewStore(), nil, recorder.New(recorder.Options{}), nil, stats.NewCollector(stats.Options{}), "test")

	r := gin.New()
	r.GET("/sessions", handler.ListSessions)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/sessions", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}
