package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/translucent/internal/recorder"
	"github.com/prasenjit/translucent/internal/scenario"
	"github.com/prasenjit/translucent/internal/session"
	"github.com/prasenjit/translucent/internal/state"
	"github.com/prasenjit/translucent/internal/stats"
)

// DefaultInteractionLimit caps interaction listings without an explicit limit.
const DefaultInteractionLimit = 100

// Handler handles control API requests
type Handler struct {
	store          *scenario.Store
	reloader       *scenario.Reloader
	recorder       *recorder.Recorder
	sessions       *session.Manager
	statsCollector *stats.Collector
	version        string
	started        time.Time
}

// NewHandler creates a new control API handler. reloader and sessions may be
// nil, in which case reload and session requests are refused.
func NewHandler(store *scenario.Store, reloader *scenario.Reloader, rec *recorder.Recorder, sessions *session.Manager, statsCollector *stats.Collector, version string) *Handler {
	return &Handler{
		store:          store,
		reloader:       reloader,
		recorder:       rec,
		sessions:       sessions,
		statsCollector: statsCollector,
		version:        version,
		started:        time.Now(),
	}
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Info describes the running simulator and its active generation.
func (h *Handler) Info(c *gin.Context) {
	cat := h.store.Current()
	info := gin.H{
		"name":       "translucent",
		"version":    h.version,
		"generation": cat.Generation,
		"scenarios":  cat.Len(),
		"sources":    cat.Sources,
		"loadedAt":   cat.LoadedAt.Format(time.RFC3339),
		"uptime":     time.Since(h.started).Round(time.Second).String(),
	}
	if h.reloader != nil {
		if err := h.reloader.LastError(); err != nil {
			info["lastReloadError"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, info)
}

// ListScenarios returns the active catalog in match order
func (h *Handler) ListScenarios(c *gin.Context) {
	cat := h.store.Current()
	result := make([]scenario.Summary, len(cat.Scenarios))
	for i, sc := range cat.Scenarios {
		result[i] = sc.Summary()
	}
	c.JSON(http.StatusOK, result)
}

// scenarioDetail is the single-scenario view.
type scenarioDetail struct {
	scenario.Summary
	Generation   uint64 `json:"generation"`
	State        string `json:"state,omitempty"`
	Effects      int    `json:"effects"`
	HasOtherwise bool   `json:"hasOtherwise,omitempty"`
}

// GetScenario returns a single scenario
func (h *Handler) GetScenario(c *gin.Context) {
	cat := h.store.Current()
	sc, ok := cat.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scenario not found"})
		return
	}

	detail := scenarioDetail{
		Summary:      sc.Summary(),
		Generation:   cat.Generation,
		Effects:      len(sc.Effects),
		HasOtherwise: sc.Otherwise != nil,
	}
	if sc.Predicate != nil {
		detail.State = sc.Predicate.String()
	}
	c.JSON(http.StatusOK, detail)
}

// Reload loads the scenario files and swaps in a new generation. The old
// generation keeps serving when loading fails.
func (h *Handler) Reload(c *gin.Context) {
	if h.reloader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reload is not available"})
		return
	}

	cat, err := h.reloader.Reload()
	if err != nil {
		body := gin.H{
			"error":      err.Error(),
			"generation": h.store.Current().Generation,
		}
		var cerr *scenario.ConfigError
		if errors.As(err, &cerr) {
			body["issues"] = cerr.Issues
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Scenarios reloaded",
		"generation": cat.Generation,
		"scenarios":  cat.Len(),
	})
}

// ListInteractions returns recorded interactions, newest first
func (h *Handler) ListInteractions(c *gin.Context) {
	filter, err := recorder.ParseFilter(c.Request.URL.Query(), time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultInteractionLimit
	}

	c.JSON(http.StatusOK, h.recorder.List(filter))
}

// GetInteraction returns a single interaction
func (h *Handler) GetInteraction(c *gin.Context) {
	in, ok := h.recorder.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Interaction not found"})
		return
	}
	c.JSON(http.StatusOK, in)
}

// ClearInteractions clears all interactions
func (h *Handler) ClearInteractions(c *gin.Context) {
	h.recorder.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "Interactions cleared"})
}

// GetState returns the simulation state of the active generation
func (h *Handler) GetState(c *gin.Context) {
	cat := h.store.Current()
	c.JSON(http.StatusOK, gin.H{
		"generation": cat.Generation,
		"values":     cat.State.Snapshot(),
	})
}

// ResetState returns every counter and flag to zero
func (h *Handler) ResetState(c *gin.Context) {
	cat := h.store.Current()
	cat.State.Reset()
	c.JSON(http.StatusOK, gin.H{
		"message":    "State reset",
		"generation": cat.Generation,
	})
}

// stateInput sets exactly one of a counter or a flag.
type stateInput struct {
	Counter *int64 `json:"counter"`
	Flag    *bool  `json:"flag"`
}

// SetState overwrites one counter or flag
func (h *Handler) SetState(c *gin.Context) {
	name := c.Param("name")

	var input stateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (input.Counter == nil) == (input.Flag == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Exactly one of counter or flag is required"})
		return
	}

	want := state.KindCounter
	if input.Flag != nil {
		want = state.KindFlag
	}

	st := h.store.Current().State
	if kind, ok := st.Kind(name); ok && kind != want {
		c.JSON(http.StatusConflict, gin.H{"error": "State " + name + " is a " + string(kind)})
		return
	}

	value := state.Value{Name: name, Kind: want}
	if input.Counter != nil {
		st.SetCounter(name, *input.Counter)
		value.Counter = *input.Counter
	} else {
		st.SetFlag(name, *input.Flag)
		value.Flag = *input.Flag
	}
	c.JSON(http.StatusOK, value)
}

// GetStats returns global and per-scenario statistics
func (h *Handler) GetStats(c *gin.Context) {
	cat := h.store.Current()
	c.JSON(http.StatusOK, gin.H{
		"global":    h.statsCollector.Global(cat.Generation, cat.Len()),
		"scenarios": h.statsCollector.Scenarios(),
		"recorder":  h.recorder.Stats(),
	})
}

// GetScenarioStats returns statistics for a scenario
func (h *Handler) GetScenarioStats(c *gin.Context) {
	stats := h.statsCollector.Scenario(c.Param("id"))
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No statistics available"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ResetStats resets all statistics
func (h *Handler) ResetStats(c *gin.Context) {
	h.statsCollector.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "Statistics reset"})
}
