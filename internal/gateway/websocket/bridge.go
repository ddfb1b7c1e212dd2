package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/events/bus"
	ws "github.com/anima-ai/anima/pkg/websocket"
)

// Bridge forwards every event-bus publication into the hub as a
// runtime.event notification.
type Bridge struct {
	hub      *Hub
	eventBus bus.EventBus
	log      *logger.Logger
	sub      bus.Subscription
}

// NewBridge creates the event-bus to websocket bridge.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:      hub,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to all subjects.
func (b *Bridge) Start() error {
	sub, err := b.eventBus.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionRuntimeEvent, event)
		if err != nil {
			return err
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Stop drops the subscription.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}
