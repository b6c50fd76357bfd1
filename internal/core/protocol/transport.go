package protocol

import (
	"context"
)

// Transport is the realtime editing channel. Implementations own one
// underlying connection at a time; Done exposes loss of that connection so
// callers can drive their own reconnect policy.
type Transport interface {
	// Connect establishes the channel. Safe to call again after a drop.
	Connect(ctx context.Context) error

	// Disconnect tears the current connection down without closing the
	// transport; Connect may be called afterwards.
	Disconnect() error

	// Emit sends one event to the server.
	Emit(ctx context.Context, event Event) error

	// On registers a handler for an event type and returns a function that
	// unregisters it.
	On(eventType EventType, handler Handler) (off func())

	// Reset discards the adapter's assumptions about outstanding
	// unacknowledged operations from before a disconnect.
	Reset()

	// Connected reports whether the channel is currently up.
	Connected() bool

	// Done returns a channel closed when the current connection drops.
	Done() <-chan struct{}

	// Close releases the transport permanently.
	Close() error
}
