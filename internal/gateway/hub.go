// Package gateway exposes the REST and WebSocket surface consumed by the
// TUI. The gateway doubles as the daemon's "api" UI adapter: domain events
// fan out to connected WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/common/logger"
)

// Message is the WebSocket wire envelope.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub manages all WebSocket client connections.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific sessions
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *Message, 256),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Register queues a client for registration.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans a message out. Messages with a session id reach only that
// session's subscribers plus firehose clients; others reach everyone.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, message dropped", zap.String("type", msg.Type))
	}
}

// SubscribeSession subscribes a client to one session's events.
func (h *Hub) SubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionSubscribers[sessionID] == nil {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
}

// UnsubscribeSession drops a client's session subscription.
func (h *Hub) UnsubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	for sessionID, subs := range h.sessionSubscribers {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(client *Client) {
		select {
		case client.send <- data:
		default:
			// Slow consumer: skip rather than block the hub.
			h.logger.Debug("client send buffer full", zap.String("client_id", client.ID))
		}
	}

	if msg.SessionID != "" {
		subs := h.sessionSubscribers[msg.SessionID]
		for client := range subs {
			deliver(client)
		}
		for client := range h.clients {
			if client.firehose && !subs[client] {
				deliver(client)
			}
		}
		return
	}
	for client := range h.clients {
		deliver(client)
	}
}
