// Package adminws broadcasts tick results and other operational events to
// connected admin dashboard clients over WebSocket.
package adminws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub tracks connected admin clients and fans out broadcast events to all
// of them.
type Hub struct {
	logger         *slog.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*conn
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// NewHub returns a Hub. allowedOrigins empty means allow all origins,
// appropriate for an admin surface kept behind its own auth.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:         logger.With("component", "adminws"),
		allowedOrigins: allowedOrigins,
		connections:    make(map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection for broadcasts until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	h.logger.Info("admin client connected", "client_id", c.id)

	go h.writePump(c)
	h.readPump(c)
}

// readPump drains and discards any inbound frames (the dashboard is
// receive-only); its sole job is detecting disconnects.
func (h *Hub) readPump(c *conn) {
	defer h.remove(c)

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	close(c.send)
	h.logger.Info("admin client disconnected", "client_id", c.id)
}

// Broadcast marshals event and fans it out to every connected client,
// dropping it for any client whose send buffer is full rather than
// blocking the caller.
func (h *Hub) Broadcast(eventType string, data any) {
	payload := map[string]any{"type": eventType, "data": data, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.connections {
		select {
		case c.send <- body:
		default:
			h.logger.Warn("admin client send buffer full, dropping event", "client_id", c.id)
		}
	}
}

// ConnectionCount reports the number of connected admin clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
