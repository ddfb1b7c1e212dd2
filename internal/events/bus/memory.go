package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Subjects follow NATS conventions, including the * and >
// wildcards, so components behave the same against either backend.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries across queue subscribers.
type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Publish delivers event to every matching subscription. Plain
// subscriptions all receive it; each queue group receives it once.
// Handlers run on their own goroutines so a slow subscriber cannot
// stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !matches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.deliverToQueue(ctx, queueKey, subject, event)
				}
				continue
			}
			go b.deliver(ctx, sub, subject, event)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers handler for every event matching the subject
// pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers handler in a queue group: each matching
// event reaches exactly one member of the group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		qg, ok := b.queues[queueKey]
		if !ok {
			qg = &queueGroup{}
			b.queues[queueKey] = qg
		}
		qg.subscribers = append(qg.subscribers, sub)
	}

	b.logger.Info("Subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request publishes event with a private reply subject under
// event.Data["_reply"] and waits for the first response on it.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("Event handler error",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// deliverToQueue picks the next active subscriber in the group.
// Caller holds the bus read lock.
func (b *MemoryEventBus) deliverToQueue(ctx context.Context, queueKey, subject string, event *Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			go b.deliver(ctx, sub, subject, event)
			return
		}
	}
}

// Unsubscribe deactivates the subscription and drops it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// matches reports whether subject matches the pattern, honoring the
// * (one token) and > (tail) wildcards.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	return regex != nil && regex.MatchString(subject)
}

// compilePattern turns a wildcard subject into an anchored regexp.
// Literal subjects return nil and match by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves > unescaped, so it appears bare in the output.
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
