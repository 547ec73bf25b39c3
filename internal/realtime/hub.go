// Package realtime streams settlement state changes over WebSocket.
//
// Clients connect to /ws and receive every settlement event by default. A
// client narrows its stream by sending a Subscription as a JSON text frame.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/skinsettle/internal/metrics"
	"github.com/mbd888/skinsettle/internal/settlement"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 * 1024
)

// Subscription filters for a client. Non-empty lists must all match.
type Subscription struct {
	AllEvents     bool               `json:"allEvents"`
	States        []settlement.State `json:"states"`
	Identities    []string           `json:"identities"` // buyer or seller
	SettlementIDs []string           `json:"settlementIds"`
}

// Matches reports whether ev passes the filter.
func (s Subscription) Matches(ev *settlement.Event) bool {
	if s.AllEvents {
		return true
	}
	rec := ev.Settlement
	if rec == nil {
		return false
	}

	if len(s.States) > 0 && !contains(s.States, rec.State) {
		return false
	}
	if len(s.SettlementIDs) > 0 && !contains(s.SettlementIDs, rec.SettlementID) {
		return false
	}
	if len(s.Identities) > 0 {
		matched := false
		for _, id := range s.Identities {
			if strings.EqualFold(id, rec.BuyerIdentity) || strings.EqualFold(id, rec.SellerIdentity) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// Stats are hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans settlement events out to WebSocket clients
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *settlement.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

var _ settlement.Notifier = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *settlement.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins additionally admits browser connections from origins.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return sameHost(r) || allowed["*"] || allowed[origin]
	}
	return h
}

// WithMaxClients caps concurrent connections.
func (h *Hub) WithMaxClients(n int) *Hub {
	if n > 0 {
		h.maxClients = n
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev *settlement.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		client.mu.RLock()
		sub := client.sub
		client.mu.RUnlock()
		if !sub.Matches(ev) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// NotifySettlement queues ev for delivery. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) NotifySettlement(_ context.Context, ev settlement.Event) {
	select {
	case h.broadcast <- &ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", ev.Type)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  subscriptionFromQuery(r),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// subscriptionFromQuery reads ?settlementId=, ?identity= and ?state=
// filters so simple clients need not send a frame.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{
		SettlementIDs: q["settlementId"],
		Identities:    q["identity"],
	}
	for _, s := range q["state"] {
		sub.States = append(sub.States, settlement.State(s))
	}
	if len(sub.SettlementIDs) == 0 && len(sub.Identities) == 0 && len(sub.States) == 0 {
		sub.AllEvents = true
	}
	return sub
}

// readPump reads subscription updates and pongs
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
