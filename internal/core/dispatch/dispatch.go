// Package dispatch carries state-change notifications from the sync cores to the
// surrounding application. Dispatch is fire and forget: the cores never read
// anything back, so no cross-component locking is required.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a typed state-update message published by a core component.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Data      any
}

// NewEvent stamps an event with the current time.
func NewEvent(typ, source string, data any) Event {
	return Event{Type: typ, Source: source, Timestamp: time.Now(), Data: data}
}

// Sink accepts events from the core components. Implementations must never
// block the caller for long; delivery failures are the sink's problem.
type Sink interface {
	Dispatch(event Event)
}

// Handler consumes events delivered by a Bus.
type Handler func(event Event)

// Subscription is a cancellable registration on a Bus.
type Subscription struct {
	id        string
	eventType string
	cancel    func()
}

func (s *Subscription) ID() string        { return s.id }
func (s *Subscription) EventType() string { return s.eventType }

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is an in-memory Sink that fans events out to subscribers by event type.
// Subscribing to the empty type receives every event.
type Bus struct {
	mu sync.RWMutex
	// handlers: eventType -> subID -> handler
	handlers map[string]map[string]Handler
}

var _ Sink = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[string]Handler),
	}
}

func (b *Bus) Dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, 4)
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[""] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := uuid.NewString()
	b.handlers[eventType][id] = handler

	return &Subscription{
		id:        id,
		eventType: eventType,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m, ok := b.handlers[eventType]; ok {
				delete(m, id)
			}
		},
	}
}

// Nop is a Sink that drops everything. Used by tests and standalone cores.
type Nop struct{}

func (Nop) Dispatch(Event) {}
