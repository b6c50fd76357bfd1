package protocol

import (
	"context"
	"sync/atomic"
)

var _ Transport = (*Guard)(nil)

// Guard wraps a Transport and gates traffic on session-level flags: once the
// page needs a refresh, or the login state changed under us, no further
// events may flow in either direction. This replaces ad hoc wrapping of the
// raw channel's emit/on with a declared decorator.
type Guard struct {
	inner Transport

	needRefresh       int32 // atomic bool
	loginStateChanged func() bool
}

// NewGuard wraps inner. loginStateChanged may be nil, in which case only the
// refresh flag gates traffic.
func NewGuard(inner Transport, loginStateChanged func() bool) *Guard {
	return &Guard{inner: inner, loginStateChanged: loginStateChanged}
}

// SetNeedRefresh permanently blocks the channel until a full page reload.
func (g *Guard) SetNeedRefresh() {
	atomic.StoreInt32(&g.needRefresh, 1)
}

// NeedRefresh reports whether the refresh flag has been raised.
func (g *Guard) NeedRefresh() bool {
	return atomic.LoadInt32(&g.needRefresh) == 1
}

func (g *Guard) blocked() bool {
	if g.NeedRefresh() {
		return true
	}
	return g.loginStateChanged != nil && g.loginStateChanged()
}

func (g *Guard) Connect(ctx context.Context) error {
	if g.blocked() {
		return ErrGuardRejected
	}
	return g.inner.Connect(ctx)
}

func (g *Guard) Disconnect() error {
	return g.inner.Disconnect()
}

func (g *Guard) Emit(ctx context.Context, event Event) error {
	if g.blocked() {
		return ErrGuardRejected
	}
	return g.inner.Emit(ctx, event)
}

func (g *Guard) On(eventType EventType, handler Handler) (off func()) {
	return g.inner.On(eventType, func(e Event) {
		if g.blocked() {
			return
		}
		handler(e)
	})
}

func (g *Guard) Reset() {
	g.inner.Reset()
}

func (g *Guard) Connected() bool {
	return g.inner.Connected()
}

func (g *Guard) Done() <-chan struct{} {
	return g.inner.Done()
}

func (g *Guard) Close() error {
	return g.inner.Close()
}
