package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/translucent/internal/recorder"
)

// DefaultControlPrefix is where the control API is mounted.
const DefaultControlPrefix = "/_api"

// Router serves the control API under its prefix and hands every other
// request to the simulator.
type Router struct {
	engine    *gin.Engine
	handler   *Handler
	simulator http.Handler
	prefix    string
	logger    *slog.Logger
}

// NewRouter creates a new router
func NewRouter(handler *Handler, simulator http.Handler, prefix string, logger *slog.Logger) *Router {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if prefix == "" {
		prefix = DefaultControlPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		engine:    gin.New(),
		handler:   handler,
		simulator: simulator,
		prefix:    prefix,
		logger:    logger,
	}

	// Simulated paths are matched exactly as sent.
	r.engine.RedirectTrailingSlash = false
	r.engine.RedirectFixedPath = false
	r.engine.HandleMethodNotAllowed = false

	// Setup middleware
	r.engine.Use(recovery(logger))
	r.engine.Use(requestLogger(logger))

	// Setup routes
	r.setupRoutes()

	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	api := r.engine.Group(r.prefix, corsMiddleware())
	{
		api.GET("/health", r.handler.HealthCheck)
		api.GET("/info", r.handler.Info)

		// Scenarios
		api.GET("/scenarios", r.handler.ListScenarios)
		api.GET("/scenarios/:id", r.handler.GetScenario)
		api.POST("/reload", r.handler.Reload)

		// Interactions
		api.GET("/interactions", r.handler.ListInteractions)
		api.GET("/interactions/:id", r.handler.GetInteraction)
		api.DELETE("/interactions", r.handler.ClearInteractions)

		// Record/replay sessions
		api.GET("/sessions", r.handler.ListSessions)
		api.POST("/sessions", r.handler.CreateSession)
		api.GET("/sessions/:id", r.handler.GetSession)
		api.PUT("/sessions/:id/mode", r.handler.SetSessionMode)
		api.DELETE("/sessions/:id", r.handler.DeleteSession)

		// State
		api.GET("/state", r.handler.GetState)
		api.POST("/state/reset", r.handler.ResetState)
		api.PUT("/state/:name", r.handler.SetState)

		// Statistics
		api.GET("/stats", r.handler.GetStats)
		api.GET("/stats/scenarios/:id", r.handler.GetScenarioStats)
		api.POST("/stats/reset", r.handler.ResetStats)
	}

	// WebSocket for live interactions
	wsHandler := recorder.NewWebSocketHandler(r.handler.recorder, r.logger)
	api.GET("/interactions/stream", gin.WrapH(wsHandler))

	r.engine.NoRoute(r.noRoute)
}

// noRoute answers unknown control paths and passes the rest to the simulator.
func (r *Router) noRoute(c *gin.Context) {
	p := c.Request.URL.Path
	if p == r.prefix || strings.HasPrefix(p, r.prefix+"/") {
		setCORSHeaders(c)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown control endpoint"})
		return
	}
	r.simulator.ServeHTTP(c.Writer, c.Request)
	// Commit the simulator's status so gin does not append its own 404 body.
	c.Writer.WriteHeaderNow()
}

// Handler returns the http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Prefix returns the control API prefix.
func (r *Router) Prefix() string {
	return r.prefix
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		setCORSHeaders(c)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func setCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	c.Header("Access-Control-Max-Age", "86400")
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
			"bytes", c.Writer.Size())
	}
}

// recovery turns handler panics into 500 responses. http.ErrAbortHandler is
// re-raised so net/http drops the connection.
func recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("panic serving request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()))
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}
