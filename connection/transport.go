package connection

import (
	"context"
	"errors"
)

// ErrConnectionClosed is returned when sending on a closed transport.
var ErrConnectionClosed = errors.New("connection closed")

// Notification is a server to client message without a response.
type Notification struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Transport is a client connection able to receive notifications.
//
// Close and error listeners are kept in registration order, so handlers
// added by the Manager run after the ones the transport already had.
type Transport interface {
	Send(ctx context.Context, n Notification) error
	OnClose(fn func())
	OnError(fn func(error))
	Close() error
}

// Listeners implements the listener half of Transport on top of an
// EventEmitter. Transports embed it and call EmitClose and EmitError.
type Listeners struct {
	emitter *EventEmitter
}

// NewListeners returns an empty listener set.
func NewListeners() Listeners {
	return Listeners{emitter: NewEventEmitter()}
}

// OnClose registers fn to run when the transport closes.
func (l Listeners) OnClose(fn func()) {
	l.emitter.On(context.Background(), []string{EventClose}, func(Event) { fn() })
}

// OnError registers fn to run when the transport fails.
func (l Listeners) OnError(fn func(error)) {
	l.emitter.On(context.Background(), []string{EventError}, func(ev Event) { fn(ev.Err) })
}

// EmitClose runs the close listeners.
func (l Listeners) EmitClose() {
	l.emitter.Emit(Event{Type: EventClose})
}

// EmitError runs the error listeners with err.
func (l Listeners) EmitError(err error) {
	l.emitter.Emit(Event{Type: EventError, Err: err})
}
