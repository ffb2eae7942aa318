// Package realtime streams profile transitions to dashboards over
// WebSocket. Escalations are the alert feed the notification layer
// consumes; operators can also follow every transition of a category or
// user.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/risk"
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFilterBytes = 64 * 1024
	sendBuffer     = 256
	eventBuffer    = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHost,
}

// sameHost accepts non-browser clients and same-host browser origins.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// EventType distinguishes escalations from other transitions.
type EventType string

const (
	// EventEscalation is a transition that raised a profile's severity.
	EventEscalation EventType = "escalation"
	// EventTransition is any other applied transition.
	EventTransition EventType = "transition"
)

// Event is one message on the feed.
type Event struct {
	Type       EventType             `json:"type"`
	Timestamp  time.Time             `json:"timestamp"`
	Transition *risk.StateTransition `json:"transition"`
}

// Subscription is the filter a connection sends to narrow its feed. The
// zero value matches every event.
type Subscription struct {
	AllEvents  bool            `json:"allEvents"`
	EventTypes []EventType     `json:"eventTypes"`
	Categories []risk.Category `json:"categories"`
	UserIDs    []string        `json:"userIds"`
	MinStatus  risk.Status     `json:"minStatus"` // transitions into this severity or above
}

// Matches reports whether ev passes the filter. Events without a
// transition only pass filters that do not look at transitions.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	t := ev.Transition
	if t == nil {
		return len(s.Categories) == 0 && len(s.UserIDs) == 0 && s.MinStatus == ""
	}
	switch {
	case len(s.Categories) > 0 && !slices.Contains(s.Categories, t.Category):
		return false
	case len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, t.UserID):
		return false
	case s.MinStatus != "" && t.NewStatus.Severity() < s.MinStatus.Severity():
		return false
	}
	return true
}

// conn is one dashboard connection.
type conn struct {
	hub *Hub
	ws  *websocket.Conn
	out chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *conn) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *conn) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub fans transition events out to subscribed connections. All
// membership changes go through Run so the connection set has one owner.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	mu    sync.RWMutex
	conns map[*conn]struct{}

	events chan *Event
	join   chan *conn
	leave  chan *conn
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	joined    atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		conns:      make(map[*conn]struct{}),
		events:     make(chan *Event, eventBuffer),
		join:       make(chan *conn),
		leave:      make(chan *conn),
		done:       make(chan struct{}),
	}
}

// Run owns the connection set until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.join:
			h.add(c)
		case c := <-h.leave:
			h.remove(c)
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := int64(len(h.conns))
	h.mu.Unlock()

	h.joined.Add(1)
	if n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("dashboard connected", "connections", n)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.out)
	}
	n := len(h.conns)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("dashboard disconnected", "connections", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.conns {
		close(c.out) // writer sends the close frame
		delete(h.conns, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver encodes ev once and queues it on every matching connection.
// Connections whose buffer is full are disconnected.
func (h *Hub) deliver(ev *Event) {
	h.published.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "error", err)
		return
	}

	var lagging []*conn
	h.mu.RLock()
	for c := range h.conns {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.out <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.logger.Warn("dropping lagging dashboard connection")
		h.remove(c)
	}
}

// Broadcast queues ev for delivery. It never blocks; when the queue is
// full the event is dropped and counted.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// PublishEscalation broadcasts a transition that raised severity. It has
// the signature of an engine threshold hook.
func (h *Hub) PublishEscalation(t *risk.StateTransition) {
	h.Broadcast(&Event{Type: EventEscalation, Timestamp: time.Now(), Transition: t})
}

// PublishTransition broadcasts a transition that did not escalate.
// Escalations are left to PublishEscalation so each transition is sent
// once.
func (h *Hub) PublishTransition(t *risk.StateTransition) {
	if risk.Escalates(t.PreviousStatus, t.NewStatus) {
		return
	}
	h.Broadcast(&Event{Type: EventTransition, Timestamp: time.Now(), Transition: t})
}

// Stats returns counters for the health endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.published.Load(),
		"droppedEvents":    h.dropped.Load(),
		"totalClients":     h.joined.Load(),
		"peakClients":      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the
// hub. New connections receive every event until they send a filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		hub: h,
		ws:  ws,
		out: make(chan []byte, sendBuffer),
		sub: Subscription{AllEvents: true},
	}

	select {
	case h.join <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies filter updates until the peer goes away.
func (c *conn) readLoop() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFilterBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.setSubscription(sub)
	}
}

// writeLoop drains the outbound buffer and keeps the connection alive.
func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
