package recorder

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler streams live interactions to WebSocket clients.
type WebSocketHandler struct {
	recorder *Recorder
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(recorder *Recorder, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		recorder: recorder,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// ServeHTTP upgrades the connection and streams interactions matching the
// filter given in the query string.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Limit and time bounds apply to history queries, not to a live feed.
	filter.Limit = 0
	filter.Since, filter.Until = time.Time{}, time.Time{}

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe to interaction events
	subID, events := h.recorder.Subscribe(filter)
	defer h.recorder.Unsubscribe(subID)

	// Set up ping/pong for keepalive
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Start a goroutine to read messages (for handling close)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Start ticker for ping
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// Stream interactions to client
	for {
		select {
		case in, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(in)
			if err != nil {
				h.logger.Error("failed to marshal interaction", "id", in.ID, "error", err)
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket client gone", "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
