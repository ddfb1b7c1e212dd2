// Package websocket streams runtime events to connected operator
// clients and answers a small set of status queries in-band.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
	ws "github.com/anima-ai/anima/pkg/websocket"
)

// Hub manages all WebSocket client connections and their event-subject
// subscriptions.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

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

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage delivers an event notification to every client whose
// subscription set matches the event's subject.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.Error(err))
		return
	}
	subject := eventSubject(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if subject != "" && !client.subscribedTo(subject) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full, the write pump will clean up.
		}
	}
}

// eventSubject extracts the event type from a runtime.event payload so
// subscriptions can filter on it.
func eventSubject(msg *ws.Message) string {
	if msg.Action != ws.ActionRuntimeEvent {
		return ""
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return ""
	}
	return payload.Type
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a notification for all matching clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// matchSubject supports NATS-style wildcards: * matches one token,
// > matches the rest of the subject.
func matchSubject(subject, pattern string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")
	for i, pt := range patternTokens {
		if pt == ">" {
			return true
		}
		if i >= len(subjectTokens) {
			return false
		}
		if pt != "*" && pt != subjectTokens[i] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
