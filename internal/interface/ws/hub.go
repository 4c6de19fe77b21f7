// Package ws pushes progression updates to the game HUD over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
)

// Message types sent to clients.
const (
	TypeHello     = "hello"
	TypeXPChanged = "xp_changed"
	TypeLevelUp   = "level_up"
)

const (
	defaultBuffer  = 32
	maxInboundSize = 512
)

// Envelope is the wire format of every message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotFunc returns the current snapshot of a player for the hello message.
type SnapshotFunc func(ctx context.Context, playerID shared.PlayerID) (progression.LevelSnapshot, error)

// Option configures a Hub.
type Option func(*Hub)

// WithSnapshot includes the player's snapshot in the hello message.
func WithSnapshot(fn SnapshotFunc) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// WithSendBuffer sets the per-connection queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithAllowedOrigins restricts the Origin header. Empty or "*" allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// Hub tracks HUD connections per player.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	snapshot   SnapshotFunc
	sendBuffer int
	origins    []string

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	mu      sync.RWMutex
	clients map[shared.PlayerID]map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

type client struct {
	playerID shared.PlayerID
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub. Call Subscribe to connect it to the event bus.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:     logger,
		sendBuffer: defaultBuffer,
		writeWait:  10 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 54 * time.Second,
		clients:    make(map[shared.PlayerID]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Subscribe registers the hub for HUD-relevant events.
func (h *Hub) Subscribe(sub shared.EventSubscriber) error {
	if err := sub.Subscribe(shared.EventXPChanged, h.HandleEvent); err != nil {
		return err
	}
	return sub.Subscribe(shared.EventLevelUp, h.HandleEvent)
}

// HandleEvent fans an event out to the player's connections.
// It never blocks: full queues drop the message.
func (h *Hub) HandleEvent(event shared.Event) error {
	var (
		typ  string
		data interface{}
	)
	payload := event.Payload()

	switch event.EventType() {
	case shared.EventXPChanged:
		typ = TypeXPChanged
		data = progression.Snapshot(progression.XP(payloadInt(payload["total_xp"])))
	case shared.EventLevelUp:
		typ = TypeLevelUp
		data = map[string]int64{"new_level": payloadInt(payload["new_level"])}
	default:
		return nil
	}

	msg, err := encode(typ, data)
	if err != nil {
		return err
	}
	h.broadcast(shared.PlayerID(event.AggregateID()), msg)
	return nil
}

func (h *Hub) broadcast(playerID shared.PlayerID, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for c := range h.clients[playerID] {
		select {
		case c.send <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades an authenticated request. The player id must already be
// in the request context.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID, ok := handlers.PlayerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "player_id", playerID.String(), "error", err)
		return
	}

	c := &client{playerID: playerID, conn: conn, send: make(chan []byte, h.sendBuffer)}

	// hello is queued before registration so it is always the first frame
	hello := map[string]interface{}{"player_id": playerID.String()}
	if h.snapshot != nil {
		if snap, err := h.snapshot(r.Context(), playerID); err == nil {
			hello["progress"] = snap
		}
	}
	if msg, err := encode(TypeHello, hello); err == nil {
		c.send <- msg
	}

	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeWait))
		_ = conn.Close()
		return
	}

	go h.writer(c)
	h.reader(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.playerID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.playerID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("hud connected", "player_id", c.playerID.String(), "connections", len(set))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.playerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.playerID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// reader drains inbound frames and keeps the deadline fresh on pong.
func (h *Hub) reader(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Connections returns the number of open connections for a player.
func (h *Hub) Connections(playerID shared.PlayerID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[playerID])
}

// Dropped returns how many messages were dropped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			c.close()
		}
	}
	// send channels are closed; nothing may reach them again
	h.clients = make(map[shared.PlayerID]map[*client]struct{})
}

func encode(typ string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// payloadInt reads a number from an event payload. Events relayed through
// Redis arrive as decoded JSON, so numbers may be float64.
func payloadInt(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		if n >= math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
