package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 256
)

var (
	// ErrNotConnected means the user has no live connection on this instance.
	ErrNotConnected = errors.New("ws: user not connected")
	// ErrBufferFull means the user's connection is not keeping up and the message was dropped.
	ErrBufferFull = errors.New("ws: send buffer full")
)

// Message is the envelope of every frame pushed to a client.
type Message struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// Client represents a connected WebSocket client
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub maintains the set of active clients, one per user. A new connection for a user replaces
// the old one.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, exists := h.clients[client.userID]; exists {
				logrus.WithField("user_id", client.userID).Info("[WS] User reconnecting - closing old connection")
				if err := old.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by new connection"),
					time.Now().Add(5*time.Second)); err != nil {
					logrus.WithError(err).WithField("user_id", old.userID).Debug("[WS] Close control to old client failed")
				}
				close(old.send)
			}
			h.clients[client.userID] = client
			h.mu.Unlock()
			logrus.WithField("user_id", client.userID).Info("[WS] User connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[client.userID]; ok && cur == client {
				delete(h.clients, client.userID)
				close(client.send)
				logrus.WithField("user_id", client.userID).Info("[WS] User disconnected")
			}
			h.mu.Unlock()
		}
	}
}

// Connected reports whether userID has a live connection on this instance.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// NotifyUser sends event to userID's connection, if any.
func (h *Hub) NotifyUser(ctx context.Context, userID, event string, payload interface{}) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	return h.deliver(userID, data)
}

func (h *Hub) deliver(userID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[userID]
	if !exists {
		return ErrNotConnected
	}
	select {
	case client.send <- data:
		return nil
	default:
		logrus.WithField("user_id", userID).Warn("[WS] Dropped message (buffer full)")
		return ErrBufferFull
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: event, Data: raw, SentAt: time.Now().UTC()})
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
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
				// Channel closed: connection replaced or hub shutting down.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithError(err).WithField("user_id", c.userID).Debug("[WS] Write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.WithError(err).WithField("user_id", c.userID).Debug("[WS] Ping error")
				return
			}
		}
	}
}

// readPump keeps the connection alive. Clients only listen; anything other than a ping is ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).WithField("user_id", c.userID).Info("[WS] Unexpected close")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if data, err := encode("pong", nil); err == nil {
				c.hub.deliver(c.userID, data)
			}
		}
	}
}
