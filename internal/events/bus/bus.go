// Package bus provides the in-process event bus used for domain event fan-in.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Data carries one of the typed
// payload structs from the events package; persisted copies are JSON.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"` // Component that produced the event
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-in surface between emitters (session manager, poller,
// hook processor, transport) and consumers (adapter dispatcher, cache).
type EventBus interface {
	// Publish delivers an event to every matching subscriber. Delivery is
	// synchronous so that a single emitter's events reach each subscriber in
	// emit order; the order among subscribers is not defined.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// '*' to match one token and '>' to match the rest ("session.*").
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()
}
