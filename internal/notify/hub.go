package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/taskpay/internal/auth"
	"github.com/mbd888/taskpay/internal/logging"
	"github.com/mbd888/taskpay/internal/metrics"
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// MaxClients caps concurrent websocket connections.
const MaxClients = 10000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Subscription narrows what a client receives. Empty Kinds means all.
type Subscription struct {
	Kinds []Kind `json:"kinds"`
}

type client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *client) wants(k Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sub.Kinds) == 0 || slices.Contains(c.sub.Kinds, k)
}

// Hub pushes notifications to the recipient's connected websocket clients.
// It is a Sink, so it sits behind the Dispatcher with the other sinks.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	deliver    chan Notification
	mu         sync.RWMutex
	done       chan struct{}
	maxClients int

	totalSent atomic.Int64
}

// NewHub creates a hub. Browser origins must be the request host or one
// of allowedOrigins; clients without an Origin header are accepted.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		deliver:    make(chan Notification, 256),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(allowedOrigins, origin) || slices.Contains(allowedOrigins, "*")
		},
	}
	return h
}

func (h *Hub) Name() string { return "websocket" }

// Send queues n for the recipient's clients. Users without a connection
// are skipped silently.
func (h *Hub) Send(ctx context.Context, n Notification) error {
	if !h.connected(n.UserID) {
		return nil
	}
	select {
	case h.deliver <- n:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) count() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	logger := logging.L(ctx)
	logger.Info("websocket hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, set := range h.clients {
				for c := range set {
					close(c.send)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			logger.Info("websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*client]bool)
			}
			h.clients[c.userID][c] = true
			n := h.count()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case c := <-h.unregister:
			h.remove(c)

		case n := <-h.deliver:
			msg, err := json.Marshal(n)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients[n.UserID] {
				if !c.wants(n.Kind) {
					continue
				}
				select {
				case c.send <- msg:
					h.totalSent.Add(1)
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if set := h.clients[c.userID]; set[c] {
		delete(set, c)
		close(c.send)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	n := h.count()
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Stats reports hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": h.count(),
		"connectedUsers":   len(h.clients),
		"totalSent":        h.totalSent.Load(),
	}
}

// HandleWebSocket upgrades an authenticated request. Mount it behind
// auth.Middleware.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication_error", "message": "Authentication required"})
		return
	}
	select {
	case <-h.done:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}
	h.mu.RLock()
	n := h.count()
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L(c.Request.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{hub: h, userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go cl.writePump()
	go cl.readPump()
}

// readPump applies subscription updates and keeps the read deadline alive.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				logging.L(context.Background()).Debug("websocket read error", "user_id", c.userID, "error", err)
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

func (c *client) writePump() {
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
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
