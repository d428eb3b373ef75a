// Package realtime is the websocket transport: it keeps subscriber
// connections, their group membership and the dashboard/overlay join protocol.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatpool/telemetry"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

// Envelope is the frame written to subscribers and read from them.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Conn is one subscriber connection.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	closeOnce sync.Once
}

// ID returns the connection id used for group membership.
func (c *Conn) ID() string { return c.id }

// Hub tracks connections and groups and implements fanout.Emitter.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]*Conn
}

// NewHub returns an empty hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(*http.Request) bool, log *slog.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      log.With(slog.String("component", "realtime")),
		conns:    make(map[string]*Conn),
		groups:   make(map[string]map[string]*Conn),
	}
}

// Upgrade turns the request into a registered connection. The caller must
// hand the connection to Serve.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, sendBuffer), hub: h}
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	telemetry.SetGauge(telemetry.SocketConnections, n)
	return c, nil
}

// JoinGroup adds a connection to group. Unknown connections are ignored.
func (h *Hub) JoinGroup(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[group] = members
	}
	members[connID] = c
}

// LeaveGroup removes a connection from group.
func (h *Hub) LeaveGroup(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, group)
}

func (h *Hub) leaveLocked(connID, group string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// EmitToGroup sends an event to every member of group. Slow subscribers whose
// buffer is full miss the event.
func (h *Hub) EmitToGroup(group, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Warn("realtime: encode event", slog.String("event", event), slog.Any("err", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[group] {
		c.enqueue(data)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// GroupSize returns the number of members of group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for group := range h.groups {
		h.leaveLocked(c.id, group)
	}
	n := len(h.conns)
	h.mu.Unlock()
	telemetry.SetGauge(telemetry.SocketConnections, n)
	c.closeOnce.Do(func() { close(c.send) })
}

func encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: raw, Timestamp: time.Now().UTC()})
}

// Send queues an event for this connection only.
func (c *Conn) Send(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.conns[c.id]; ok {
		c.enqueue(data)
	}
}

// enqueue must be called with the hub lock held so it cannot race remove.
func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// Serve runs the connection until the peer goes away. Incoming frames are
// passed to onMessage, which may be nil.
func (c *Conn) Serve(onMessage func(Envelope)) {
	go c.writePump()
	c.readPump(onMessage)
}

func (c *Conn) readPump(onMessage func(Envelope)) {
	defer func() {
		c.hub.remove(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("realtime: read failed", slog.String("conn", c.id), slog.Any("err", err))
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.Send("error", map[string]string{"message": "invalid message"})
			continue
		}
		if onMessage != nil {
			onMessage(env)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
