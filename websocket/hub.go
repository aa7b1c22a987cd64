package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicelearn/backend/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub fans live events out to the websocket clients of one organization.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	done       chan struct{}
	mu         sync.RWMutex
	log        *logger.Logger
}

type envelope struct {
	organizationID string
	payload        []byte
}

type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	UserID         string
	OrganizationID string

	// Send is owned by the hub: only Run writes to or closes it.
	Send chan []byte
	// pong is never closed, so ReadPump may signal WritePump at any time.
	pong chan struct{}
}

// Event is what subscribers receive.
type Event struct {
	Type           string    `json:"type"` // "usage.updated", "evaluation.recorded"
	OrganizationID string    `json:"organization_id"`
	Data           any       `json:"data,omitempty"`
	At             time.Time `json:"at"`
}

var pongMessage = []byte(`{"type":"pong"}`)

type controlMessage struct {
	Type string `json:"type"` // "ping"
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
		done:       make(chan struct{}),
		log:        log.With("component", "hub"),
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("Client registered", "user_id", client.UserID, "organization_id", client.OrganizationID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.log.Info("Client unregistered", "user_id", client.UserID, "organization_id", client.OrganizationID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.OrganizationID != msg.organizationID {
					continue
				}
				select {
				case client.Send <- msg.payload:
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToOrganization queues an event for the organization's clients. It
// never blocks; events are dropped when the queue is full.
func (h *Hub) BroadcastToOrganization(organizationID, eventType string, data any) {
	if organizationID == "" {
		return
	}
	payload, err := json.Marshal(Event{
		Type:           eventType,
		OrganizationID: organizationID,
		Data:           data,
		At:             time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err, "type", eventType)
		return
	}
	select {
	case h.broadcast <- envelope{organizationID: organizationID, payload: payload}:
	default:
		h.log.Warn("Event queue full, dropping event", "type", eventType, "organization_id", organizationID)
	}
}

// ClientCount returns the number of connected clients for an organization.
func (h *Hub) ClientCount(organizationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.OrganizationID == organizationID {
			n++
		}
	}
	return n
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID, organizationID string) *Client {
	client := &Client{
		Hub:            h,
		Conn:           conn,
		Send:           make(chan []byte, 64),
		pong:           make(chan struct{}, 1),
		UserID:         userID,
		OrganizationID: organizationID,
	}
	select {
	case h.register <- client:
	case <-h.done:
		// Hub stopped; WritePump sees the closed channel and hangs up.
		close(client.Send)
	}
	return client
}

// ReadPump only answers keepalive pings; subscribers never push data.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("WebSocket error", "error", err, "user_id", c.UserID)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, pongMessage); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
