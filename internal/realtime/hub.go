// Package realtime implements the Real-Time Hub (spec §4.5): WebSocket
// fan-out of Lifecycle Events, per-user replay buffering, and connection
// liveness management. It generalizes the teacher's JobWSHub/JobWSClient
// (internal/services/jobmanager/websocket.go) from one broadcast-to-everyone
// channel into a per-user registry with a bounded replay buffer, since
// spec §4.5 fans out per userId rather than to every connected device.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
)

// Config holds the Hub's buffering and liveness knobs (spec §4.5:
// "bounded by both count ... and age", "periodically pings ... terminates
// those that fail two liveness probes").
type Config struct {
	BufferMaxCount    int
	BufferMaxAge      time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferMaxCount <= 0 {
		c.BufferMaxCount = 200
	}
	if c.BufferMaxAge <= 0 {
		c.BufferMaxAge = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Hub is the process-wide Real-Time Hub. One Hub is shared by the
// Processor (publishing) and the WebSocket route (attaching connections).
type Hub struct {
	mu            sync.RWMutex
	clientsByUser map[string]map[*Client]struct{}
	buffers       map[string]*ringBuffer
	logger        *common.Logger
	cfg           Config
}

// NewHub builds an empty Hub.
func NewHub(logger *common.Logger, cfg Config) *Hub {
	return &Hub{
		clientsByUser: make(map[string]map[*Client]struct{}),
		buffers:       make(map[string]*ringBuffer),
		logger:        logger,
		cfg:           cfg.withDefaults(),
	}
}

var _ interfaces.Hub = (*Hub)(nil)

// Publish implements interfaces.Hub.
func (h *Hub) Publish(event models.LifecycleEvent) {
	if !event.Kind.Transient() {
		h.bufferFor(event.UserID).add(event, h.cfg)
	}
	h.fanOut(event.UserID, event)
}

// BroadcastAll implements interfaces.Hub.
func (h *Hub) BroadcastAll(event models.LifecycleEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.clientsByUser {
		for c := range clients {
			c.trySend(event)
		}
	}
}

func (h *Hub) fanOut(userID string, event models.LifecycleEvent) {
	h.mu.RLock()
	clients := h.clientsByUser[userID]
	var toDrop []*Client
	for c := range clients {
		if !c.trySend(event) {
			toDrop = append(toDrop, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range toDrop {
		h.logger.Warn().Str("user_id", userID).Msg("realtime client send buffer full, dropping connection")
		h.Detach(c)
	}
}

func (h *Hub) bufferFor(userID string) *ringBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	rb, ok := h.buffers[userID]
	if !ok {
		rb = &ringBuffer{}
		h.buffers[userID] = rb
	}
	return rb
}

// Attach upgrades r into a WebSocket connection registered for userID. If
// resumeAfter is non-nil, buffered events newer than it are replayed
// before the connection starts streaming live events. Auth (bearer token
// -> userID) is the caller's responsibility; the route handler verifies
// the token before calling Attach.
func (h *Hub) Attach(userID string, w http.ResponseWriter, r *http.Request, resumeAfter *time.Time) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan models.LifecycleEvent, clientSendBuffer),
	}

	h.mu.Lock()
	if h.clientsByUser[userID] == nil {
		h.clientsByUser[userID] = make(map[*Client]struct{})
	}
	h.clientsByUser[userID][c] = struct{}{}
	h.mu.Unlock()

	if resumeAfter != nil {
		for _, e := range h.bufferFor(userID).after(*resumeAfter) {
			c.trySend(e)
		}
	}

	go c.writePump(h.cfg.HeartbeatInterval)
	go c.readPump()
	return c, nil
}

// Detach removes a client's registration. Idempotent.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	clients := h.clientsByUser[c.userID]
	if clients != nil {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.clientsByUser, c.userID)
		}
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connections currently attached for
// userID, for tests and admin introspection.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByUser[userID])
}

// Client is one connected device for one user.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan models.LifecycleEvent

	mu     sync.Mutex
	closed bool
}

// trySend is a non-blocking push; a connection whose buffer is already
// full is reported back to the Hub for eviction (spec §4.5 back-pressure).
func (c *Client) trySend(e models.LifecycleEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

func (c *Client) writePump(heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event.ToEnvelope()); err != nil {
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

// readPump's sole purpose is liveness: two missed pongs (read deadline set
// to twice the heartbeat interval) closes the connection.
func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.hub.Detach(c)
		c.conn.Close()
	}()

	deadline := 2 * c.hub.cfg.HeartbeatInterval
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
