package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/translucent/internal/session"
)

// sessionInput creates a session or changes its mode.
type sessionInput struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

// exchangeView renders a captured exchange with a readable body.
type exchangeView struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query,omitempty"`
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
	RecordedAt time.Time           `json:"recordedAt"`
}

func (h *Handler) sessionsAvailable(c *gin.Context) bool {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sessions are not available"})
		return false
	}
	return true
}

// ListSessions returns every session
func (h *Handler) ListSessions(c *gin.Context) {
	if !h.sessionsAvailable(c) {
		return
	}
	c.JSON(http.StatusOK, h.sessions.List())
}

// CreateSession starts a new session, recording unless told otherwise
func (h *Handler) CreateSession(c *gin.Context) {
	if !h.sessionsAvailable(c) {
		return
	}

	var input sessionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := session.ParseMode(input.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.sessions.Create(input.ID, mode)
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

// GetSession returns a session and its captured exchanges
func (h *Handler) GetSession(c *gin.Context) {
	if !h.sessionsAvailable(c) {
		return
	}

	id := c.Param("id")
	info, ok := h.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	exchanges, err := h.sessions.Exchanges(id)
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}

	views := make([]exchangeView, len(exchanges))
	for i, ex := range exchanges {
		views[i] = exchangeView{
			Method:     ex.Method,
			Path:       ex.Path,
			Query:      ex.RawQuery,
			Status:     ex.Status,
			Headers:    ex.Header,
			Body:       string(ex.Body),
			RecordedAt: ex.RecordedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"session":   info,
		"exchanges": views,
	})
}

// SetSessionMode switches a session between record and replay
func (h *Handler) SetSessionMode(c *gin.Context) {
	if !h.sessionsAvailable(c) {
		return
	}

	var input sessionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
		return
	}
	mode, err := session.ParseMode(input.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.sessions.SetMode(c.Param("id"), mode)
	if err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteSession removes a session and everything it captured
func (h *Handler) DeleteSession(c *gin.Context) {
	if !h.sessionsAvailable(c) {
		return
	}
	if err := h.sessions.Delete(c.Param("id")); err != nil {
		c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, session.ErrInvalidMode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
