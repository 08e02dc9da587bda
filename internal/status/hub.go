package status

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
	"github.com/LastBotInc/coralie-live-captions/internal/notify"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 50 * time.Second
	clientBuffer = 32
)

// Message is one frame of the live caption feed.
type Message struct {
	Type         string                `json:"type"`
	Captions     *captions.Snapshot    `json:"captions,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// Hub fans display changes and notifications out to websocket clients.
// Slow clients lose messages rather than stall the caption path.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// OnSnapshot broadcasts a display change. Register it with
// DisplayState.Observe.
func (h *Hub) OnSnapshot(s captions.Snapshot) {
	h.broadcast(Message{Type: "captions", Captions: &s})
}

// Notify implements notify.Notifier.
func (h *Hub) Notify(n notify.Notification) {
	h.broadcast(Message{Type: "notification", Notification: &n})
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logging.Error(logging.CategoryStatus, "failed to encode %s message: %v", m.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logging.Debug(logging.CategoryStatus, "feed client behind, dropping %s message", m.Type)
		}
	}
}

// Clients returns the number of connected feed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every feed client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// serve runs the client until either side closes. initial is written
// before any broadcast.
func (h *Hub) serve(conn *websocket.Conn, initial []byte) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	c.send <- initial
	h.add(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop()
	h.remove(c)
	<-done
	conn.Close()
}

// readLoop discards client input and returns when the connection ends.
func (c *client) readLoop() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug(logging.CategoryStatus, "feed client closed: %v", err)
			} else {
				logging.Debug(logging.CategoryStatus, "feed client read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
