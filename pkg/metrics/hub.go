package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event types carried on the hub.
const (
	EventHeartbeat    = "heartbeat"
	EventUsedResource = "used_resource"
	EventModelMetric  = "model_metric"
	EventRuntimeStats = "runtime_stats"
)

// Message is the envelope pushed to every connected dashboard.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one connected dashboard websocket.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan Message
	hub  *Hub
}

// Hub fans every published Message out to all connected Clients,
// adapted from the teacher's WebSocketHub.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
}

// NewHub constructs a Hub. Call Run in its own goroutine to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run drives the hub's event loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("dropping slow metrics client", "client_id", c.ID)
				}
			}
			h.mu.RUnlock()
		case t := <-heartbeat.C:
			h.Broadcast(Message{Type: EventHeartbeat, Timestamp: t})
		}
	}
}

// Broadcast queues a message for delivery to every connected client.
func (h *Hub) Broadcast(m Message) {
	select {
	case h.broadcast <- m:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket and registers the
// resulting Client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{ID: uuid.New(), conn: conn, send: make(chan Message, 32), hub: h}
	h.register <- c
	go c.writeLoop()
	go c.readLoop()
	return nil
}

func (c *Client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) readLoop() {
	defer func() { c.hub.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
