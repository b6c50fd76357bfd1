// Package websocket implements the realtime editing channel over a WebSocket
// connection with JSON frames.
package websocket

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
	"github.com/driftnote/driftnote/pkg/sequence"
)

var _ protocol.Transport = (*Transport)(nil)

// Config holds transport configuration.
type Config struct {
	// ServerURL is the ws:// or wss:// endpoint of the realtime channel.
	ServerURL string

	// DocumentID is sent as a query parameter so the server can route the
	// connection to the right document room.
	DocumentID string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:    "ws://localhost:8787/realtime",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 25 * time.Second,
	}
}

// frame is the wire representation of one channel event.
type frame struct {
	Type protocol.EventType `json:"type"`
	Data json.RawMessage    `json:"data,omitempty"`
}

// Transport is a WebSocket-backed protocol.Transport. One connection at a
// time; the owner drives reconnection through Connect after Done fires.
type Transport struct {
	id     string
	config Config
	logger log.Log

	mu   sync.Mutex // guards conn and done swap
	conn *websocket.Conn
	done chan struct{}

	handlerMu sync.RWMutex
	handlers  map[protocol.EventType]map[string]protocol.Handler

	connected     int32 // atomic bool
	closed        int32 // atomic bool
	everConnected int32 // atomic bool, distinguishes connect from reconnect

	// In-flight operations awaiting acknowledgment; discarded by Reset.
	inflight *sequence.FIFO[time.Time]

	writeMu sync.Mutex
}

// New creates a transport. It does not dial; call Connect.
func New(config Config, logger log.Log) *Transport {
	done := make(chan struct{})
	close(done) // not connected yet
	return &Transport{
		id:       uuid.NewString(),
		config:   config,
		logger:   logger.With(log.String("component", "transport")),
		done:     done,
		handlers: make(map[protocol.EventType]map[string]protocol.Handler),
		inflight: sequence.NewFIFO[time.Time](),
	}
}

// Connect dials the realtime endpoint. Safe to call again after a drop.
func (t *Transport) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return protocol.ErrTransportClosed
	}
	if atomic.LoadInt32(&t.connected) == 1 {
		return protocol.ErrAlreadyConnected
	}

	endpoint, err := url.Parse(t.config.ServerURL)
	if err != nil {
		return errors.Wrap(err, "invalid server url")
	}
	q := endpoint.Query()
	q.Set("noteId", t.config.DocumentID)
	endpoint.RawQuery = q.Encode()

	dialCtx := ctx
	if t.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.config.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		t.logger.Warn("Dial failed", log.String("url", t.config.ServerURL), log.Error(err))
		return protocol.WrapError(protocol.ErrDialFailed, err.Error())
	}

	t.mu.Lock()
	t.conn = conn
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	atomic.StoreInt32(&t.connected, 1)

	t.logger.Info("Channel connected",
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.String("document_id", t.config.DocumentID))

	go t.readLoop(conn, done)
	if t.config.PingInterval > 0 {
		go t.pingLoop(conn, done)
	}

	if atomic.CompareAndSwapInt32(&t.everConnected, 0, 1) {
		t.dispatch(protocol.NewEvent(protocol.EventConnect))
	} else {
		t.dispatch(protocol.NewEvent(protocol.EventReconnect))
	}

	return nil
}

// Disconnect tears down the current connection, leaving the transport usable.
func (t *Transport) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&t.connected, 1, 0) {
		return protocol.ErrNotConnected
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Emit sends one event to the server.
func (t *Transport) Emit(ctx context.Context, event protocol.Event) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return protocol.ErrTransportClosed
	}
	if atomic.LoadInt32(&t.connected) == 0 {
		return protocol.ErrNotConnected
	}

	f := frame{Type: event.Type}
	payload, err := marshalPayload(event)
	if err != nil {
		return errors.Wrap(err, "encode event payload")
	}
	f.Data = payload

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return protocol.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}

	if event.Type == protocol.EventOperation {
		t.inflight.Push(time.Now())
	}

	return nil
}

// On registers a handler and returns its removal function.
func (t *Transport) On(eventType protocol.EventType, handler protocol.Handler) (off func()) {
	id := uuid.NewString()
	t.handlerMu.Lock()
	if t.handlers[eventType] == nil {
		t.handlers[eventType] = make(map[string]protocol.Handler)
	}
	t.handlers[eventType][id] = handler
	t.handlerMu.Unlock()

	return func() {
		t.handlerMu.Lock()
		delete(t.handlers[eventType], id)
		t.handlerMu.Unlock()
	}
}

// Reset drops the adapter's memory of unacknowledged operations.
func (t *Transport) Reset() {
	if n := t.inflight.Clear(); n > 0 {
		t.logger.Debug("Discarded in-flight operations", log.Int("count", n))
	}
}

// Inflight returns how many operations are awaiting acknowledgment.
func (t *Transport) Inflight() int {
	return t.inflight.Len()
}

// Connected reports whether the channel is currently up.
func (t *Transport) Connected() bool {
	return atomic.LoadInt32(&t.connected) == 1
}

// Done returns a channel closed when the current connection drops.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Close releases the transport permanently.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil // already closed
	}
	_ = t.Disconnect()
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		wasConnected := atomic.CompareAndSwapInt32(&t.connected, 1, 0)
		t.mu.Lock()
		select {
		case <-done:
		default:
			close(done)
		}
		t.mu.Unlock()
		_ = conn.Close()
		if wasConnected && atomic.LoadInt32(&t.closed) == 0 {
			t.dispatch(protocol.NewEvent(protocol.EventDisconnect))
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&t.closed) == 0 {
				t.logger.Warn("Channel read failed", log.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}

		event, err := decodeFrame(f)
		if err != nil {
			t.logger.Warn("Dropping undecodable frame",
				log.String("type", string(f.Type)), log.Error(err))
			continue
		}

		if event.Type == protocol.EventAck {
			if sentAt, ok := t.inflight.Pop(); ok {
				t.logger.Debug("Operation acknowledged",
					log.Duration("round_trip", time.Since(sentAt)))
			}
		}

		t.dispatch(event)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.config.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) dispatch(event protocol.Event) {
	t.handlerMu.RLock()
	handlers := make([]protocol.Handler, 0, len(t.handlers[event.Type]))
	for _, h := range t.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	t.handlerMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func marshalPayload(event protocol.Event) (json.RawMessage, error) {
	switch {
	case event.Doc != nil:
		return json.Marshal(event.Doc)
	case event.Operation != nil:
		return json.Marshal(event.Operation)
	case event.Version != nil:
		return json.Marshal(event.Version)
	case event.Users != nil:
		return json.Marshal(event.Users)
	case event.Info != nil:
		return json.Marshal(event.Info)
	case event.Err != nil:
		return json.Marshal(event.Err)
	default:
		return nil, nil
	}
}

func decodeFrame(f frame) (protocol.Event, error) {
	event := protocol.NewEvent(f.Type)
	if len(f.Data) == 0 {
		return event, nil
	}
	switch f.Type {
	case protocol.EventDoc:
		event.Doc = &protocol.DocPayload{}
		return event, json.Unmarshal(f.Data, event.Doc)
	case protocol.EventOperation:
		event.Operation = &protocol.Operation{}
		return event, json.Unmarshal(f.Data, event.Operation)
	case protocol.EventVersion:
		event.Version = &protocol.VersionPayload{}
		return event, json.Unmarshal(f.Data, event.Version)
	case protocol.EventOnlineUsers:
		event.Users = &protocol.OnlineUsersPayload{}
		return event, json.Unmarshal(f.Data, event.Users)
	case protocol.EventInfo:
		event.Info = &protocol.InfoPayload{}
		return event, json.Unmarshal(f.Data, event.Info)
	case protocol.EventError:
		event.Err = &protocol.ErrorPayload{}
		return event, json.Unmarshal(f.Data, event.Err)
	default:
		return event, nil
	}
}
