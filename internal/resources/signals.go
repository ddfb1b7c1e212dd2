// Package resources samples the runtime's resource usage against
// configured budgets and emits throttle/defer/reject/shutdown signals
// when bounds are crossed.
package resources

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

// Signal names an action requested by a crossed resource bound.
type Signal string

const (
	SignalWarn     Signal = "warn"
	SignalThrottle Signal = "throttle"
	SignalDefer    Signal = "defer"
	SignalReject   Signal = "reject"
	SignalShutdown Signal = "shutdown"
)

// Handler reacts to one emitted signal.
type Handler func(signal Signal, resource string)

// SignalBus is a minimal subscribe/emit bus. Handler panics are
// contained so one misbehaving subscriber cannot take down sampling.
type SignalBus struct {
	mu       sync.RWMutex
	handlers map[Signal][]Handler
	log      *logger.Logger
}

// NewSignalBus creates an empty bus.
func NewSignalBus(log *logger.Logger) *SignalBus {
	if log == nil {
		log = logger.Default()
	}
	return &SignalBus{
		handlers: map[Signal][]Handler{},
		log:      log.WithComponent("resource_signals"),
	}
}

// Register subscribes handler to one signal name.
func (b *SignalBus) Register(signal Signal, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[signal] = append(b.handlers[signal], handler)
}

// Emit delivers (signal, resource) to every subscriber synchronously.
func (b *SignalBus) Emit(signal Signal, resource string) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[signal]))
	copy(handlers, b.handlers[signal])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, signal, resource)
	}
}

func (b *SignalBus) safeCall(handler Handler, signal Signal, resource string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("signal handler panicked",
				zap.String("signal", string(signal)),
				zap.String("resource", resource),
				zap.Any("panic", r))
		}
	}()
	handler(signal, resource)
}
