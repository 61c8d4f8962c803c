package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/rampsettle/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Event is the frame pushed to a connected peer.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type delivery struct {
	recipients []int64
	payload    []byte
}

// client is one WebSocket connection bound to a peer.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	peerID int64
	send   chan []byte
}

// Hub pushes notifications to peers connected over WebSocket. A peer may
// hold several connections; each receives every message addressed to it.
type Hub struct {
	clients    map[int64]map[*client]bool
	deliveries chan delivery
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	count      int

	totalDelivered atomic.Int64
	totalDropped   atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*client]bool),
		deliveries: make(chan delivery, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

func (h *Hub) Name() string { return "websocket" }

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for c := range conns {
					close(c.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.clients = make(map[int64]map[*client]bool)
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notification hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.peerID] == nil {
				h.clients[c.peerID] = make(map[*client]bool)
			}
			h.clients[c.peerID][c] = true
			h.count++
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("peer connected", "peerId", c.peerID, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("peer disconnected", "peerId", c.peerID, "total", n)

		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	var slow []*client
	h.mu.RLock()
	for _, peer := range d.recipients {
		for c := range h.clients[peer] {
			select {
			case c.send <- d.payload:
				h.totalDelivered.Add(1)
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.remove(c)
		}
		h.mu.Unlock()
	}
}

// remove drops c; h.mu must be held.
func (h *Hub) remove(c *client) {
	conns, ok := h.clients[c.peerID]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.peerID)
	}
	close(c.send)
	h.count--
}

// Notify queues msg for every connected recipient. It fails with ErrDropped
// when the delivery queue is full.
func (h *Hub) Notify(_ context.Context, msg Message) error {
	payload, err := json.Marshal(Event{Timestamp: time.Now().UTC(), Message: msg.Message, Extra: msg.Extra})
	if err != nil {
		return err
	}
	select {
	case h.deliveries <- delivery{recipients: append([]int64(nil), msg.Recipients...), payload: payload}:
		return nil
	default:
		h.totalDropped.Add(1)
		return ErrDropped
	}
}

// Connected reports how many connections peerID currently holds.
func (h *Hub) Connected(peerID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[peerID])
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedPeers":   len(h.clients),
		"totalDelivered":   h.totalDelivered.Load(),
		"totalDropped":     h.totalDropped.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for the peer named by the
// peerId query parameter. Authenticating the peer is the caller's concern.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	peerID, err := strconv.ParseInt(r.URL.Query().Get("peerId"), 10, 64)
	if err != nil || peerID <= 0 {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		peerID: peerID,
		send:   make(chan []byte, 64),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump only services control frames; peers do not send data.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "peerId", c.peerID, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "peerId", c.peerID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ Sink = (*Hub)(nil)
