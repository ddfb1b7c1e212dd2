// Package sinks provides the bounded outbound queues between the
// processor and the adapter-facing services. Enqueue never blocks:
// a full queue returns false and the caller converts sustained
// backpressure into resource deferral.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

// DefaultQueueSize bounds a sink when the config does not override it.
const DefaultQueueSize = 100

// Sink is a bounded FIFO queue with a processing loop. Items are
// delivered in enqueue order; one item finishes or fails before the
// next is dequeued. Stopping preserves queued items.
type Sink[T any] struct {
	name    string
	queue   chan T
	stopCh  chan struct{}
	done    chan struct{}
	process func(ctx context.Context, item T) error
	log     *logger.Logger
}

// NewSink creates a sink with the given capacity and item handler.
func NewSink[T any](name string, size int, log *logger.Logger, process func(ctx context.Context, item T) error) *Sink[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Sink[T]{
		name:    name,
		queue:   make(chan T, size),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		process: process,
		log:     log.WithComponent(name),
	}
}

// Enqueue offers an item without blocking. False means the queue is
// full or the sink is stopped.
func (s *Sink[T]) Enqueue(item T) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.queue <- item:
		return true
	default:
		s.log.Warn("sink queue full, item rejected", zap.Int("capacity", cap(s.queue)))
		return false
	}
}

// Len returns the number of queued items.
func (s *Sink[T]) Len() int { return len(s.queue) }

// Run drains the queue until the stop signal or ctx cancellation. Item
// errors are logged and the loop continues.
func (s *Sink[T]) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case item := <-s.queue:
			if err := s.process(ctx, item); err != nil {
				s.log.Warn("sink item failed", zap.Error(err))
			}
		}
	}
}

// Stop signals the loop to finish its in-flight item and return.
// Queued items stay in the queue; they are not dropped, only not
// processed.
func (s *Sink[T]) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until the processing loop has returned.
func (s *Sink[T]) Wait() { <-s.done }
