package events

import (
	"context"
	"log"
	"sync"
)

// MemoryBus is an in-process event bus. It is used in tests and when the
// service runs without a KurrentDB connection. Handlers run synchronously in
// Publish, which keeps ordering deterministic for tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []memorySubscription

	// Published events, retained for test assertions
	published []Event
}

type memorySubscription struct {
	pattern string
	handler Handler
}

// NewMemoryBus creates an in-process event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the event to every matching subscriber
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	subs := make([]memorySubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !MatchesPattern(event.Type, sub.pattern) {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			log.Printf("Handler error for event %s (%s): %v", event.ID, event.Type, err)
		}
	}

	return nil
}

// Subscribe registers a handler for events matching the pattern
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySubscription{pattern: pattern, handler: handler})
	return nil
}

// Published returns all events published so far
func (b *MemoryBus) Published() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Event, len(b.published))
	copy(result, b.published)
	return result
}

// PublishedOfType returns published events of the given type
func (b *MemoryBus) PublishedOfType(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []Event
	for _, e := range b.published {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close is a no-op for the in-memory bus
func (b *MemoryBus) Close() {}

// Health always succeeds for the in-memory bus
func (b *MemoryBus) Health() error { return nil }
