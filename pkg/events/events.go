package events

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventExecutionCreated   EventType = "execution_created"
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventDiscoveryCompleted EventType = "discovery_completed"
	EventDiscoveryFailed    EventType = "discovery_failed"
)

type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Handler func(ctx context.Context, event Event) error

// Bus is an in-process publish/subscribe channel for pipeline lifecycle
// events. Handlers run asynchronously; publishing never blocks the caller.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers, ok := b.handlers[event.Type]
	b.mu.RUnlock()
	if !ok {
		return
	}
	for _, h := range handlers {
		go func(handler Handler) {
			_ = handler(ctx, event)
		}(h)
	}
}
