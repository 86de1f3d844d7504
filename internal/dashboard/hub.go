// Package dashboard serves the analyzer's web UI: an embedded single-page
// frontend, a websocket feed of log lines and analysis results, and a small
// JSON API for reading and saving the settings.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is a local tool; same-origin enforcement would break
	// reverse-proxied setups, so accept any origin like the Python UI did.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans messages out to all connected dashboard websockets. A slow client
// gets dropped messages, never a blocked broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	status  map[string][]byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		status:  make(map[string][]byte),
	}
}

// Emit broadcasts a JSON-marshalable value to every connected client. It
// satisfies the publisher's observer interface and never blocks.
func (h *Hub) Emit(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dashboard message")
		return
	}
	h.broadcast(payload)
}

// EmitLog mirrors a structured log record to the dashboard feed.
func (h *Hub) EmitLog(level, message string) {
	payload, err := json.Marshal(map[string]string{
		"kind":    "log",
		"level":   level,
		"message": message,
	})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

// SetStatus records a named service status (mqtt, gemini) and broadcasts the
// change. The latest value of every status is replayed to clients when they
// connect, so a fresh dashboard shows connectivity immediately.
func (h *Hub) SetStatus(service, status string) {
	payload, err := json.Marshal(map[string]string{
		"kind":    "status_update",
		"service": service,
		"status":  status,
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	h.status[service] = payload
	h.mu.Unlock()
	h.broadcast(payload)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Client can't keep up; drop the message rather than stall.
		}
	}
}

// ClientCount reports the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and pumps hub messages to the socket until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, payload := range h.status {
		c.send <- payload
	}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("Dashboard client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The dashboard never sends application messages; this loop exists to
		// notice disconnects and service pongs.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
