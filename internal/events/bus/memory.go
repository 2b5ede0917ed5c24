package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
)

// MemoryEventBus implements EventBus with synchronous in-process delivery.
// Handlers run on the publisher's goroutine, in subscription order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus       *MemoryEventBus
	eventType string
	handler   EventHandler
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.eventType]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the event to every subscriber of its type, then to every
// wildcard subscriber. Delivery is synchronous; Publish returns after the
// last handler does.
func (b *MemoryEventBus) Publish(event *Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]*memorySubscription, 0,
		len(b.subscriptions[event.Type])+len(b.subscriptions["*"]))
	handlers = append(handlers, b.subscriptions[event.Type]...)
	handlers = append(handlers, b.subscriptions["*"]...)
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.deliver(sub, event)
	}
}

// deliver invokes a single handler, recovering panics so one subscriber
// cannot break delivery to the rest.
func (b *MemoryEventBus) deliver(sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for one event type.
func (b *MemoryEventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{
		bus:       b,
		eventType: eventType,
		handler:   handler,
	}
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)
	return sub
}

// Close drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
}
