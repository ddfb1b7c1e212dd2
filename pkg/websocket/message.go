// Package websocket defines the wire protocol spoken over the gateway
// socket: a single message envelope, action names, and a dispatcher
// that routes requests to registered handlers.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType tags the direction and intent of an envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope for every frame in both directions. ID
// correlates a response to its request and is empty on notifications.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload carried by MessageTypeError frames.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newMessage(id string, typ MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds a client request envelope.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeRequest, action, payload)
}

// NewResponse builds the reply to the request with the given id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an unsolicited server push.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError builds an error reply for the request with the given id.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload unmarshals the payload into v. A nil payload is a no-op.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
