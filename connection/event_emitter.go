package connection

import (
	"context"
	"sync"
)

const (
	// EventClose is emitted once when a transport closes.
	EventClose string = "close"

	// EventError is emitted when a transport fails.
	EventError string = "error"
)

// Event as emitted by an EventEmitter.
type Event struct {
	Type string
	Err  error
}

type eventHandler struct {
	ctx context.Context
	fn  func(Event)
}

// EventEmitter calls registered handlers synchronously, in registration
// order. Handlers whose context is done are dropped.
type EventEmitter struct {
	mu       sync.Mutex
	handlers map[string][]*eventHandler
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]*eventHandler),
	}
}

// On registers fn for the given events.
func (e *EventEmitter) On(ctx context.Context, events []string, fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, event := range events {
		e.handlers[event] = append(e.handlers[event], &eventHandler{ctx: ctx, fn: fn})
	}
}

// Emit calls the handlers of ev.Type. Handlers run without the emitter lock
// held, so they may register more handlers.
func (e *EventEmitter) Emit(ev Event) {
	e.mu.Lock()
	e.handlers[ev.Type] = live(e.handlers[ev.Type])
	targets := append([]*eventHandler(nil), e.handlers[ev.Type]...)
	e.mu.Unlock()

	for _, h := range targets {
		h.fn(ev)
	}
}

// live drops the handlers whose context is done.
func live(handlers []*eventHandler) []*eventHandler {
	for i := 0; i < len(handlers); {
		select {
		case <-handlers[i].ctx.Done():
			handlers = append(handlers[:i], handlers[i+1:]...)
			continue
		default:
			i++
		}
	}
	return handlers
}
