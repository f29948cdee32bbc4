package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Handler is a callback for events.
type Handler func(Event)

// Bus is a typed publish/subscribe hub. Handlers run synchronously on the
// publishing goroutine in subscription order; a panicking handler is logged
// and does not stop delivery to the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	nextID   uint64
	logger   *slog.Logger
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	typ  EventType
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.typ, s.id) })
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[EventType][]subscriber),
		logger:   logger,
	}
}

// Subscribe registers h for events of type t. Use EventAny to receive everything.
func (b *Bus) Subscribe(t EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscriber{id: id, handler: h})
	return &Subscription{bus: b, typ: t, id: id}
}

func (b *Bus) remove(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == id {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to the handlers of its type, then to EventAny handlers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.handlers[e.Type])+len(b.handlers[EventAny]))
	subs = append(subs, b.handlers[e.Type]...)
	subs = append(subs, b.handlers[EventAny]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func(s subscriber) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", e.Type.String(), "handler", s.id, "panic", r)
				}
			}()
			s.handler(e)
		}(s)
	}
}

// Subscribers returns the number of handlers registered for t.
func (b *Bus) Subscribers(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
