package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/event"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds what clients may send
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventMessage is the JSON form of an engine event sent to websocket clients
type EventMessage struct {
	Type    string               `json:"type"`
	Channel int                  `json:"channel"`
	Frames  int64                `json:"frames,omitempty"`
	Segment *capture.CaptureInfo `json:"segment,omitempty"`
	Align   string               `json:"alignment_style,omitempty"`
	Enabled bool                 `json:"enabled"`
	Error   string               `json:"error,omitempty"`
	Time    time.Time            `json:"time"`
}

func newEventMessage(ev capture.Event) EventMessage {
	msg := EventMessage{
		Type:    string(ev.Type),
		Channel: ev.Channel,
		Frames:  ev.Frames,
		Enabled: ev.Enabled,
		Time:    time.Now(),
	}
	switch ev.Type {
	case capture.EventSegmentFinalized:
		info := ev.Info
		msg.Segment = &info
	case capture.EventAlignmentStyleChanged:
		msg.Align = ev.Align.String()
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// client is a single websocket connection
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to websocket clients
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	// Mutex for client count (read-only access from outside)
	mu sync.RWMutex
}

// NewHub creates a hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the hub to every event on the bus and returns the
// subscription ID
func (h *Hub) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(func(e event.Event) {
		ev, ok := e.(capture.Event)
		if !ok {
			return
		}
		// Data notifications arrive every cycle; clients poll status for levels
		if ev.Type == capture.EventDataRecorded {
			return
		}
		if err := h.BroadcastJSON(newEventMessage(ev)); err != nil {
			slog.Warn("Failed to encode event", "type", ev.Type, "error", err)
		}
	})
}

// Run is the hub's main loop; it returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			slog.Debug("Event client connected", "clients", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			slog.Debug("Event client disconnected", "clients", count)

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Client's buffer is full, drop it
					close(c.send)
					delete(h.clients, c)
					slog.Warn("Dropped slow event client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastJSON encodes and queues a message for every client
func (h *Hub) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("Event broadcast queue full, dropping message")
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the client leaves
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump detects disconnection and answers pongs
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump is the only goroutine writing to the connection
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
