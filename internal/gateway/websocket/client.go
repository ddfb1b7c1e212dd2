package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
	ws "github.com/anima-ai/anima/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool // event-subject patterns

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) subscribedTo(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pattern := range c.subscriptions {
		if matchSubject(subject, pattern) {
			return true
		}
	}
	return false
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("message parse failed", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Subscription actions need access to the client itself.
	switch msg.Action {
	case ws.ActionEventSubscribe:
		c.handleSubscribe(msg)
		return
	case ws.ActionEventUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SubscribeRequest is the payload for event.subscribe and
// event.unsubscribe.
type SubscribeRequest struct {
	Subject string `json:"subject"`
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.Subject == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "subject is required", nil)
		return
	}

	c.mu.Lock()
	c.subscriptions[req.Subject] = true
	c.mu.Unlock()

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"subject": req.Subject,
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.Subject == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "subject is required", nil)
		return
	}

	c.mu.Lock()
	delete(c.subscriptions, req.Subject)
	c.mu.Unlock()

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"subject": req.Subject,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("message marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("error message build failed", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
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
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
