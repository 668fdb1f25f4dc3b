package eventbus

import (
	"log/slog"
	"sync"
)

// Handler receives a published Event. Handlers must not panic; Bus
// recovers and logs any panic so one misbehaving subscriber cannot break
// publication for the rest.
type Handler func(Event)

// DefaultMaxHistory is the ring-buffer capacity used when none is given
// to New.
const DefaultMaxHistory = 1000

type subscription struct {
	id      uint64
	typ     Type // zero value only meaningful for typed subscriptions
	handler Handler
}

// Bus is the in-process event bus. Publish is synchronous: it appends to
// history, then invokes every handler registered for the event's type (in
// subscription order), then every subscribeAll handler (in subscription
// order). All of this runs on the caller's goroutine.
type Bus struct {
	mu         sync.Mutex
	logger     *slog.Logger
	maxHistory int
	nextID     uint64
	typed      map[Type][]subscription
	all        []subscription
	history    []Event
}

// New creates a Bus with the given history capacity. A maxHistory of 0
// uses DefaultMaxHistory.
func New(logger *slog.Logger, maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		maxHistory: maxHistory,
		typed:      make(map[Type][]subscription),
	}
}

// Unsubscribe removes a handler previously returned by Subscribe or
// SubscribeAll.
type Unsubscribe func()

// Subscribe registers handler for events whose Type equals typ. The
// returned Unsubscribe removes it; unsubscribing mid-dispatch does not
// affect the handler list snapshot already in flight for the current
// Publish call.
func (b *Bus) Subscribe(typ Type, handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.typed[typ] = append(b.typed[typ], subscription{id: id, typ: typ, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[typ] = removeByID(b.typed[typ], id)
	}
}

// SubscribeAll registers handler for every event, regardless of type.
// subscribeAll handlers always fire after type-specific handlers for the
// same event.
func (b *Bus) SubscribeAll(handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeByID(b.all, id)
	}
}

func removeByID(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish appends event to history (dropping the oldest entry past
// maxHistory) and dispatches it to type-specific handlers, then
// subscribeAll handlers, both in subscription order. Each handler is
// invoked under panic recovery so one handler's failure cannot prevent
// delivery to the rest or corrupt the bus.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	typedHandlers := append([]subscription(nil), b.typed[event.Type]...)
	allHandlers := append([]subscription(nil), b.all...)
	b.mu.Unlock()

	for _, s := range typedHandlers {
		b.dispatch(s.handler, event)
	}
	for _, s := range allHandlers {
		b.dispatch(s.handler, event)
	}
}

func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked", "gracefulCatch", true, "panic", r, "eventType", event.Type)
		}
	}()
	handler(event)
}

// GetHistory returns a defensive copy of recorded events. If typ is
// non-empty, only events whose Type equals it are returned, in the order
// they were published.
func (b *Bus) GetHistory(typ Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if typ == "" {
		out := make([]Event, len(b.history))
		copy(out, b.history)
		return out
	}
	var out []Event
	for _, e := range b.history {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all handlers and history. Intended for test isolation.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed = make(map[Type][]subscription)
	b.all = nil
	b.history = nil
}
