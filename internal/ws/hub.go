// Package ws pushes live pipeline events to connected viewers over
// websockets, grouped per session.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/types"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers are same-origin dashboards or local tooling.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(event)
}

// Hub fans pipeline events out to every websocket attached to a session.
// Dead connections are dropped on first write failure.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*client]struct{}
	log      *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*client]struct{}),
		log:      logger.New().WithField("module", "ws"),
	}
}

// Serve upgrades the request and keeps the connection registered until
// the peer goes away. Incoming frames are read and discarded; the wire
// is one-directional.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	// Clear the deadline inherited from the HTTP server's ReadTimeout;
	// viewer connections are long-lived.
	conn.SetReadDeadline(time.Time{})

	c := &client{conn: conn}
	h.register(sessionID, c)
	h.log.WithField("session_id", sessionID).Info("viewer connected")

	defer func() {
		h.unregister(sessionID, c)
		conn.Close()
		h.log.WithField("session_id", sessionID).Info("viewer disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*client]struct{})
	}
	h.sessions[sessionID][c] = struct{}{}
}

func (h *Hub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// Notify broadcasts event to the session's viewers. Best effort: write
// failures evict the connection and are not reported to the caller.
func (h *Hub) Notify(sessionID string, event types.Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.sessions[sessionID]))
	for c := range h.sessions[sessionID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(event); err != nil {
			h.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err.Error(),
			}).Debug("dropping dead websocket")
			h.unregister(sessionID, c)
			c.conn.Close()
		}
	}
}

// Viewers returns the number of connections attached to a session.
func (h *Hub) Viewers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
