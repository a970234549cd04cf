package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sinkWebsocket = "websocket"
	writeTimeout  = 5 * time.Second

	// clientQueueSize is the number of frames buffered per connection. A
	// client that falls further behind loses frames.
	clientQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage is the frame pushed to clients.
type wsMessage struct {
	Type    Kind         `json:"type"`
	Payload Notification `json:"payload"`
}

type frame struct {
	data   []byte
	queued time.Time
}

type client struct {
	conn *websocket.Conn
	out  chan frame

	stopOnce sync.Once
	done     chan struct{}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Hub keeps the websocket connections of every owner and pushes each owner
// only their own jobs' notifications. Each connection has its own writer, so
// Send only queues.
type Hub struct {
	logger  *slog.Logger
	metrics MetricsRecorder

	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
}

var _ Sink = (*Hub)(nil)

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics MetricsRecorder) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "websocket-hub"),
		metrics: metrics,
		clients: make(map[int64]map[*client]struct{}),
	}
}

// Serve upgrades the request and keeps the connection registered for ownerID
// until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", "error", err)
		return
	}

	c := &client{
		conn: conn,
		out:  make(chan frame, clientQueueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = make(map[*client]struct{})
	}
	h.clients[ownerID][c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("WebSocket client connected", "owner", ownerID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ownerID, c)
	}()

	defer func() {
		h.remove(ownerID, c)
		c.stop()
		conn.Close()
		<-writerDone
		h.logger.Debug("WebSocket client disconnected", "owner", ownerID)
	}()

	// Read until the client closes; incoming frames are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", "owner", ownerID, "error", err)
			}
			return
		}
	}
}

// writePump writes queued frames to c until it is stopped or a write fails.
// A failed write closes the connection, which ends Serve's read loop.
func (h *Hub) writePump(ownerID int64, c *client) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				h.logger.Warn("Failed to push notification", "owner", ownerID, "error", err)
				if h.metrics != nil {
					h.metrics.RecordNotificationFailed(context.Background(), sinkWebsocket)
				}
				c.stop()
				c.conn.Close()
				return
			}
			if h.metrics != nil {
				h.metrics.RecordNotificationDelivered(context.Background(), sinkWebsocket, time.Since(f.queued).Seconds())
			}
		}
	}
}

// Send queues n for every connection of ownerID. A connection whose queue is
// full misses n.
func (h *Hub) Send(ownerID int64, n Notification) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[ownerID]))
	for c := range h.clients[ownerID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(wsMessage{Type: n.Kind, Payload: n})
	if err != nil {
		h.logger.Error("Failed to marshal notification", "error", err)
		return
	}

	f := frame{data: data, queued: time.Now()}
	for _, c := range targets {
		select {
		case c.out <- f:
		default:
			h.logger.Debug("Client queue full, notification dropped", "owner", ownerID, "job", n.JobID)
			if h.metrics != nil {
				h.metrics.RecordNotificationDropped(context.Background(), sinkWebsocket)
			}
		}
	}
}

// Clients returns the number of connections of ownerID.
func (h *Hub) Clients(ownerID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for owner, set := range h.clients {
		for c := range set {
			c.stop()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
		delete(h.clients, owner)
	}
}

func (h *Hub) remove(ownerID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[ownerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, ownerID)
		}
	}
}
