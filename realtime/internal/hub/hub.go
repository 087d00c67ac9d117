// Package hub keeps websocket clients in per-company rooms and fans events
// out to them.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/realtime/internal/metrics"
)

// Client-to-server and acknowledgement event names.
const (
	EventJoinCompany  = "join_company"
	EventLeaveCompany = "leave_company"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventError        = "error"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64

	defaultPingInterval = 25 * time.Second
)

// Frame is the JSON envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub tracks connected clients by room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *logging.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithPingInterval sets the keepalive ping period. Clients that miss two
// consecutive pongs are disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin sets the websocket origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// WithLogger sets the hub's logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		rooms:        make(map[string]map[*client]struct{}),
		clients:      make(map[*client]struct{}),
		pingInterval: defaultPingInterval,
		logger:       logging.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.pongWait = 2 * h.pingInterval
	return h
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), rooms: make(map[string]struct{})}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// Emit sends event with data to every client in room and returns how many
// clients it was queued for.
func (h *Hub) Emit(room, event string, data json.RawMessage) int {
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed to encode event", logging.Event(event), logging.Error(err))
		return 0
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range members {
		if c.enqueue(msg) {
			sent++
			continue
		}
		metrics.SlowClientsDropped.Inc()
		h.logger.Warn("client send buffer full, disconnecting", logging.TenantID(room))
		h.unregister(c)
	}
	if sent > 0 {
		metrics.EventsEmitted.WithLabelValues(event).Add(float64(sent))
	}
	return sent
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.Connections.Inc()
	return true
}

// unregister removes c from every room and closes its send channel once.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()

	metrics.Connections.Dec()
	c.closeSend()
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	metrics.RoomJoins.Inc()
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
