// Package bus implements the single-process publish/subscribe event bus of
// §4.7: subscribers register against an EventType; Dispatch calls each
// subscriber in subscription order, logging and swallowing any subscriber
// panic so one bad handler cannot poison delivery to the rest.
package bus

import (
	"fmt"
	"sync"

	"github.com/kvmfabric/kvmfabric/internal/logger"
)

// EventType enumerates the lifecycle events the fabric's connection
// handlers and stream handlers publish and subscribe to.
type EventType string

const (
	ClientConnected         EventType = "client_connected"
	ClientDisconnected      EventType = "client_disconnected"
	ActiveScreenChanged     EventType = "active_screen_changed"
	ClientActive            EventType = "client_active"
	ClientInactive          EventType = "client_inactive"
	ClientStreamReconnected EventType = "client_stream_reconnected"
)

// Event carries a typed payload alongside its EventType. Data is a
// free-form mapping, mirroring the Python original's EventBus payloads
// (original_source/event/__init__.py) rather than one Go struct per type,
// since subscribers here are overwhelmingly small closures that pick out
// one or two fields.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler processes one dispatched Event. Handlers must not block
// indefinitely: Dispatch awaits each handler in subscription order before
// calling the next (§4.7 "total order per event type").
type Handler func(Event)

// Token identifies one subscription for later Unsubscribe, recovering the
// unsubscription capability original_source/event/__init__.py's EventBus provides
// that spec.md's distillation dropped (SPEC_FULL.md §9).
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// Bus is a single-process event bus. The zero value is not usable; use New.
type Bus struct {
	mu        sync.Mutex
	subs      map[EventType][]subscription
	nextToken Token
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType][]subscription)}
}

// Subscribe registers handler for eventType and returns a Token that can
// later be passed to Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	tok := b.nextToken
	b.subs[eventType] = append(b.subs[eventType], subscription{token: tok, handler: handler})
	return tok
}

// Unsubscribe removes the subscription identified by tok from eventType, if
// present. Safe to call more than once.
func (b *Bus) Unsubscribe(eventType EventType, tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.token == tok {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch calls every subscriber of event.Type in subscription order.
// A subscriber that panics is recovered, logged, and skipped; dispatch
// continues to the remaining subscribers (§4.7 "best-effort delivery").
func (b *Bus) Dispatch(event Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[event.Type]))
	copy(subs, b.subs[event.Type])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s.handler, event)
	}
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger().Error("event bus subscriber panicked",
				"event_type", string(event.Type),
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	h(event)
}
