package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kalambet/profiles/internal/profile"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Event names carried in Message.Event.
const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to WebSocket clients. A snapshot carries
// every known profile; a change carries only the entries it wrote.
type Message struct {
	Event    string                 `json:"event"`
	Version  uint64                 `json:"version"`
	Op       string                 `json:"op,omitempty"`
	Profiles []profile.AgentProfile `json:"profiles"`
}

// Hub fans store changes out to connected WebSocket clients. Clients whose
// buffer fills up are disconnected rather than slowing the store down.
type Hub struct {
	store  *profile.Store
	logger *slog.Logger

	mu          sync.RWMutex
	clients     map[*client]struct{}
	unsubscribe func()
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub for store and subscribes it to store changes.
func NewHub(store *profile.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:   store,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	h.unsubscribe = store.Subscribe(h.publish)
	return h
}

// ServeHTTP upgrades the connection, sends a snapshot of the cache, then
// streams changes until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}

	// Registered before the snapshot is taken so no change is missed.
	// Clients skip changes whose Version the snapshot already covers.
	h.register(c)
	defer h.unregister(c)
	h.logger.Debug("websocket client connected", "client", c.id)

	data, err := json.Marshal(h.snapshot())
	if err != nil {
		h.logger.Error("encoding websocket snapshot", "client", c.id, "error", err)
		conn.Close()
		return
	}
	if !h.enqueue(c, data) {
		h.logger.Warn("dropping websocket client before snapshot", "client", c.id)
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
	h.logger.Debug("websocket client disconnected", "client", c.id)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the store and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) snapshot() Message {
	return Message{
		Event:    EventSnapshot,
		Version:  h.store.Version(),
		Profiles: h.store.KnownProfiles(),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// enqueue queues data for c without blocking. It reports false when c is no
// longer registered or its buffer is full.
func (h *Hub) enqueue(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// publish runs as a store subscriber and must not block.
func (h *Hub) publish(ch profile.Change) {
	data, err := json.Marshal(Message{
		Event:    EventChange,
		Version:  ch.Version,
		Op:       ch.Op,
		Profiles: ch.Entries,
	})
	if err != nil {
		h.logger.Error("encoding websocket message", "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "client", c.id)
		h.unregister(c)
	}
}

// writePump forwards queued messages to the connection and keeps it alive
// with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. It blocks until
// the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
