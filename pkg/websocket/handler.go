package websocket

import "context"

// Handler processes one request envelope and returns the reply.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes request envelopes to handlers by action name.
// Registration happens once at startup; Dispatch is then safe for
// concurrent use.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action name.
func (d *Dispatcher) Register(action string, handler Handler) {
	d.handlers[action] = handler
}

// RegisterFunc binds a handler function to an action name.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch routes msg to its handler, answering unknown actions with
// an error envelope rather than a dropped frame.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"unknown action: "+msg.Action, nil)
	}
	return handler.Handle(ctx, msg)
}
