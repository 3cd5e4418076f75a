package devtools

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType identifies a stream message.
type MessageType string

const (
	// MessageState carries a committed snapshot.
	MessageState MessageType = "state"
	// MessageHello is the first message a client receives.
	MessageHello MessageType = "hello"
)

// Message is sent to stream clients.
type Message struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	State    *Snapshot   `json:"state,omitempty"`
}

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// client is one WebSocket connection with its own send queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// hub fans committed snapshots out to WebSocket clients. A client that
// falls clientBuffer messages behind is disconnected.
type hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	last    Snapshot
	closed  bool
}

func newHub(initial Snapshot, allowedOrigins []string, logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[*client]bool),
		last:    initial,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

// checkOrigin allows same-origin requests plus the listed origins. "*"
// allows every origin.
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// serve upgrades the request and registers the client. The client first
// receives the latest published snapshot, then every later one.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	snap := h.last
	data, err := json.Marshal(Message{Type: MessageHello, ClientID: c.id, State: &snap})
	if err == nil {
		c.send <- data
	}
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "client_id", c.id)

	go h.writeLoop(c)

	// Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Debug("stream client disconnected", "client_id", c.id)
}

func (h *hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// publish records snap as the latest snapshot and queues it for every
// client.
func (h *hub) publish(snap Snapshot) {
	data, err := json.Marshal(Message{Type: MessageState, State: &snap})
	if err != nil {
		h.logger.Warn("encode stream message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = snap
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream client too slow, disconnecting", "client_id", c.id)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) latest() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
