// Package events pushes settlement state changes to WebSocket subscribers.
package events

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Type identifies a settlement event
type Type string

const (
	TypeTokenized       Type = "tokenized"
	TypeSharesPurchased Type = "shares_purchased"
	TypeFundsWithdrawn  Type = "funds_withdrawn"
)

// Event is one settlement state change. Amounts in Data are decimal strings.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	ProjectID uint64                 `json:"project_id,string"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id and the current time
func NewEvent(eventType Type, projectID uint64, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		ProjectID: projectID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher receives settlement events. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// connection is one subscriber. A nil project filter receives every project.
type connection struct {
	id      string
	userID  string
	project *uint64
	conn    *websocket.Conn
	send    chan Event
}

func (c *connection) wants(event Event) bool {
	return c.project == nil || *c.project == event.ProjectID
}

// Hub fans settlement events out to WebSocket connections
type Hub struct {
	connections map[*connection]bool
	broadcast   chan Event
	register    chan *connection
	unregister  chan *connection
	stop        chan struct{}
	stopOnce    sync.Once
	count       atomic.Int64
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHub creates a hub and starts its dispatch loop
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan Event, 256),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		stop:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}

	go h.run()

	return h
}

// Publish queues an event for every interested subscriber, dropping it when the queue is full
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Event queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.Uint64("project_id", event.ProjectID))
	}
}

// ConnectionCount returns the number of registered subscribers
func (h *Hub) ConnectionCount() int {
	return int(h.count.Load())
}

// Serve upgrades the request and subscribes it. An optional project_id query
// parameter restricts the stream to one project.
func (h *Hub) Serve(c *gin.Context) {
	var project *uint64
	if raw := c.Query("project_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project_id"})
			return
		}
		project = &id
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		id:      uuid.New().String(),
		userID:  c.GetString("user_id"),
		project: project,
		conn:    ws,
		send:    make(chan Event, sendBuffer),
	}

	select {
	case h.register <- conn:
	case <-h.stop:
		ws.Close()
		return
	}

	go h.readPump(conn)
	go h.writePump(conn)
}

// Close disconnects every subscriber and stops the dispatch loop
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true
			h.count.Add(1)
			h.logger.Debug("Subscriber registered",
				zap.String("connection_id", conn.id),
				zap.String("user_id", conn.userID))

		case conn := <-h.unregister:
			h.drop(conn)

		case event := <-h.broadcast:
			for conn := range h.connections {
				if !conn.wants(event) {
					continue
				}
				select {
				case conn.send <- event:
				default:
					h.drop(conn)
				}
			}

		case <-h.stop:
			for conn := range h.connections {
				h.drop(conn)
			}
			return
		}
	}
}

// drop must only be called from run
func (h *Hub) drop(conn *connection) {
	if _, ok := h.connections[conn]; !ok {
		return
	}
	delete(h.connections, conn)
	close(conn.send)
	h.count.Add(-1)
	h.logger.Debug("Subscriber unregistered", zap.String("connection_id", conn.id))
}

// readPump only services control frames; subscribers have nothing to say
func (h *Hub) readPump(conn *connection) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.stop:
		}
		conn.conn.Close()
	}()

	conn.conn.SetReadLimit(512)
	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Subscriber read failed", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case event, ok := <-conn.send:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
