// Package bus provides the in-process event bus used by Malamar.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Data holds the typed payload
// struct for the event type.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event. A panicking handler is
// recovered by the bus and never prevents delivery to later subscribers.
type EventHandler func(event *Event)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish delivers an event to all current subscribers of its type before
	// returning.
	Publish(event *Event)

	// Subscribe registers a handler for one event type. The wildcard "*"
	// subscribes to every type.
	Subscribe(eventType string, handler EventHandler) Subscription

	// Close drops all subscriptions; subsequent publishes are no-ops.
	Close()
}
