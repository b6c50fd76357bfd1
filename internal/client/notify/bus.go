// Package notify fans session events out to presentation code. The state
// machine publishes here instead of driving UI directly; subscribers decide
// how an indicator or a transient notification is rendered.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a session event.
type Kind string

const (
	KindStateChanged     Kind = "session.state_changed"
	KindOfflineIndicator Kind = "session.offline_indicator"
	KindNotification     Kind = "session.notification"
	KindRedirect         Kind = "session.redirect"
	KindReloadRequired   Kind = "session.reload_required"
)

// Severity grades a transient notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Event is one session-level notification.
type Event struct {
	Kind       Kind
	DocumentID string
	Timestamp  time.Time

	// KindStateChanged
	State string

	// KindOfflineIndicator
	Visible bool

	// KindNotification
	Severity Severity
	Message  string

	// KindRedirect
	Code int
}

// Handler consumes a session event. Handlers must not block.
type Handler func(Event)

// Bus is a small in-process pub/sub keyed by event kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]map[string]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind]map[string]Handler)}
}

// Subscribe registers a handler for a kind and returns its cancel function.
func (b *Bus) Subscribe(kind Kind, handler Handler) (cancel func()) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]Handler)
	}
	b.handlers[kind][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if m, ok := b.handlers[kind]; ok {
			delete(m, id)
		}
		b.mu.Unlock()
	}
}

// Publish delivers the event to every handler of its kind.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Kind]))
	for _, h := range b.handlers[event.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
