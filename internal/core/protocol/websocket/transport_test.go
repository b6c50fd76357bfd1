package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
)

// echoServer is a scripted realtime endpoint: it records received frames
// and can push frames to the connected client.
type echoServer struct {
	srv      *httptest.Server
	upgrader gws.Upgrader

	mu       sync.Mutex
	conn     *gws.Conn
	received []frame
	noteIDs  []string

	// ackOps makes the server acknowledge every operation frame.
	ackOps bool
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := es.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conn = conn
		es.noteIDs = append(es.noteIDs, r.URL.Query().Get("noteId"))
		ack := es.ackOps
		es.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			es.mu.Lock()
			es.received = append(es.received, f)
			es.mu.Unlock()
			if ack && f.Type == protocol.EventOperation {
				es.push(t, frame{Type: protocol.EventAck})
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) push(t *testing.T, f frame) {
	t.Helper()
	es.mu.Lock()
	conn := es.conn
	es.mu.Unlock()
	require.NotNil(t, conn)
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))
}

func (es *echoServer) dropClient() {
	es.mu.Lock()
	conn := es.conn
	es.conn = nil
	es.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (es *echoServer) receivedTypes() []protocol.EventType {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]protocol.EventType, 0, len(es.received))
	for _, f := range es.received {
		out = append(out, f.Type)
	}
	return out
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func newTestTransport(t *testing.T, es *echoServer) *Transport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = es.wsURL()
	cfg.DocumentID = "doc-1"
	cfg.PingInterval = 0
	transport := New(cfg, log.NewNop())
	t.Cleanup(func() { transport.Close() })
	return transport
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectThenReconnectEvents(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)

	var mu sync.Mutex
	var seen []protocol.EventType
	record := func(e protocol.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}
	transport.On(protocol.EventConnect, record)
	transport.On(protocol.EventReconnect, record)
	transport.On(protocol.EventDisconnect, record)

	require.NoError(t, transport.Connect(context.Background()))
	assert.True(t, transport.Connected())
	assert.ErrorIs(t, transport.Connect(context.Background()), protocol.ErrAlreadyConnected)

	es.dropClient()
	waitFor(t, func() bool { return !transport.Connected() }, "drop detected")

	require.NoError(t, transport.Connect(context.Background()))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, "connect, disconnect, reconnect events")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, protocol.EventConnect, seen[0], "first dial is a connect")
	assert.Contains(t, seen, protocol.EventDisconnect)
	assert.Equal(t, protocol.EventReconnect, seen[len(seen)-1], "later dials are reconnects")

	// The document id rode along on both dials.
	es.mu.Lock()
	defer es.mu.Unlock()
	assert.Equal(t, []string{"doc-1", "doc-1"}, es.noteIDs)
}

func TestEmitDeliversFrames(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)
	require.NoError(t, transport.Connect(context.Background()))

	op := protocol.FullReplace(0, "hello")
	event := protocol.NewEvent(protocol.EventOperation)
	event.Operation = &op
	require.NoError(t, transport.Emit(context.Background(), event))
	require.NoError(t, transport.Emit(context.Background(), protocol.NewEvent(protocol.EventRefresh)))

	waitFor(t, func() bool { return len(es.receivedTypes()) == 2 }, "frames received")
	assert.Equal(t, []protocol.EventType{protocol.EventOperation, protocol.EventRefresh}, es.receivedTypes())
}

func TestEmitWhileDisconnected(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)

	err := transport.Emit(context.Background(), protocol.NewEvent(protocol.EventRefresh))
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

func TestInflightTracksAcks(t *testing.T) {
	es := newEchoServer(t)
	es.ackOps = true
	transport := newTestTransport(t, es)
	require.NoError(t, transport.Connect(context.Background()))

	op := protocol.FullReplace(0, "x")
	event := protocol.NewEvent(protocol.EventOperation)
	event.Operation = &op
	require.NoError(t, transport.Emit(context.Background(), event))
	assert.Equal(t, 1, transport.Inflight())

	waitFor(t, func() bool { return transport.Inflight() == 0 }, "ack consumed")
}

func TestResetDiscardsInflight(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)
	require.NoError(t, transport.Connect(context.Background()))

	op := protocol.FullReplace(0, "x")
	event := protocol.NewEvent(protocol.EventOperation)
	event.Operation = &op
	require.NoError(t, transport.Emit(context.Background(), event))
	require.NoError(t, transport.Emit(context.Background(), event))
	assert.Equal(t, 2, transport.Inflight())

	transport.Reset()
	assert.Equal(t, 0, transport.Inflight())
}

func TestIncomingFramesDispatch(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)

	docCh := make(chan protocol.Event, 1)
	transport.On(protocol.EventDoc, func(e protocol.Event) {
		select {
		case docCh <- e:
		default:
		}
	})

	require.NoError(t, transport.Connect(context.Background()))

	payload, err := json.Marshal(protocol.DocPayload{Content: "server text", Revision: 9})
	require.NoError(t, err)
	es.push(t, frame{Type: protocol.EventDoc, Data: payload})

	select {
	case e := <-docCh:
		require.NotNil(t, e.Doc)
		assert.Equal(t, "server text", e.Doc.Content)
		assert.Equal(t, int64(9), e.Doc.Revision)
	case <-time.After(2 * time.Second):
		t.Fatal("doc event never dispatched")
	}
}

func TestOnlineUsersFrameDispatch(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)

	userCh := make(chan protocol.Event, 1)
	transport.On(protocol.EventOnlineUsers, func(e protocol.Event) {
		select {
		case userCh <- e:
		default:
		}
	})

	require.NoError(t, transport.Connect(context.Background()))

	payload, err := json.Marshal(protocol.OnlineUsersPayload{Users: []protocol.UserInfo{
		{ID: "u1", Name: "Ada", Color: "#336699"},
	}})
	require.NoError(t, err)
	es.push(t, frame{Type: protocol.EventOnlineUsers, Data: payload})

	select {
	case e := <-userCh:
		require.NotNil(t, e.Users)
		require.Len(t, e.Users.Users, 1)
		assert.Equal(t, "u1", e.Users.Users[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("online users event never dispatched")
	}
}

func TestCloseIsPermanent(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)
	require.NoError(t, transport.Connect(context.Background()))

	require.NoError(t, transport.Close())
	assert.ErrorIs(t, transport.Connect(context.Background()), protocol.ErrTransportClosed)
	assert.ErrorIs(t, transport.Emit(context.Background(), protocol.NewEvent(protocol.EventRefresh)),
		protocol.ErrTransportClosed)
}

func TestOffRemovesHandler(t *testing.T) {
	es := newEchoServer(t)
	transport := newTestTransport(t, es)

	count := 0
	var mu sync.Mutex
	off := transport.On(protocol.EventMaintenance, func(protocol.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, transport.Connect(context.Background()))
	es.push(t, frame{Type: protocol.EventMaintenance})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "first maintenance event")

	off()
	es.push(t, frame{Type: protocol.EventMaintenance})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
