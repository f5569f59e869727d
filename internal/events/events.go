package events

import (
	"sync"

	"villaops/internal/models"
)

// AllEntities subscribes a handler to every entity type.
const AllEntities = "*"

// Handler reacts to a committed change.
type Handler func(event models.ChangeEvent) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-process fan-out of committed changes. Handlers run
// synchronously in publish order; a handler that needs to block should hand
// the event off to its own goroutine.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
	onError     func(event models.ChangeEvent, err error)
}

// NewBus constructs an empty bus. onError may be nil.
func NewBus(onError func(event models.ChangeEvent, err error)) *Bus {
	return &Bus{subscribers: make(map[string][]subscription), onError: onError}
}

// Subscribe registers a handler for an entity type and returns a function
// removing it.
func (b *Bus) Subscribe(entityType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[entityType] = append(b.subscribers[entityType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[entityType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[entityType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to handlers of its entity type, then to
// wildcard handlers.
func (b *Bus) Publish(event models.ChangeEvent) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscribers[event.EntityType])+len(b.subscribers[AllEntities]))
	subs = append(subs, b.subscribers[event.EntityType]...)
	subs = append(subs, b.subscribers[AllEntities]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(event); err != nil && b.onError != nil {
			b.onError(event, err)
		}
	}
}
