// Package session owns the client's connection state machine: the single
// source of truth for whether the user may type and whether it is safe to
// talk to the server.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/driftnote/driftnote/internal/client/localstore"
	"github.com/driftnote/driftnote/internal/client/notify"
	"github.com/driftnote/driftnote/internal/client/resync"
	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
)

// State is the connection state of a document session. Exactly one state is
// active at a time and there is no terminal state; the machine runs for the
// lifetime of the page.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateOffline
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// Session is the in-memory document session owned by the machine.
// KnownRevision -1 means "never synced".
type Session struct {
	DocumentID    string
	KnownRevision int64
	ReadOnly      bool
	Clients       []protocol.UserInfo
}

// Editor is the host editor surface the machine drives. Implementations
// wrap the actual text widget.
type Editor interface {
	Content() string
	SetContent(content string)
	ClearHistory()
	IgnoreNextChange()
	SetReadOnly(readOnly bool)
	// SerializeState returns an opaque blob (undo history, cursor) stored
	// with snapshots so a reload can restore the editing session.
	SerializeState() string
	RestoreState(state string)
}

// Config holds machine configuration.
type Config struct {
	DocumentID string

	// ProtocolVersion is compared against the server's version handshake.
	ProtocolVersion int

	// ReconnectInterval paces the retry loop while offline.
	ReconnectInterval time.Duration

	// AutosaveInterval paces offline snapshots of the editor content.
	AutosaveInterval time.Duration

	// StartOffline starts the machine in Offline when the platform reports
	// no network at startup.
	StartOffline bool

	Resync resync.Config
}

// DefaultConfig returns default machine configuration.
func DefaultConfig(documentID string) Config {
	return Config{
		DocumentID:        documentID,
		ProtocolVersion:   1,
		ReconnectInterval: 1 * time.Second,
		AutosaveInterval:  30 * time.Second,
		Resync:            resync.DefaultConfig(),
	}
}

// Machine is the connection state machine for one document session.
type Machine struct {
	mu     sync.Mutex
	state  State
	frozen bool
	sess   Session

	transport *protocol.Guard
	store     *localstore.Store // nil when local storage is unavailable
	runner    *resync.Runner
	editor    Editor
	bus       *notify.Bus
	config    Config
	logger    log.Log

	// Retry loop bookkeeping. Exactly one loop may run at a time; every
	// superseding transition stops it through retryStop.
	retryStop   chan struct{}
	activeTimer int32 // guarded by mu, counts live retry loops

	offHandlers []func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
	started     bool
}

// NewMachine wires a machine. store may be nil; the machine then runs
// without durability. The transport is wrapped in a Guard so traffic stops
// once the session is frozen.
func NewMachine(transport protocol.Transport, store *localstore.Store, editor Editor,
	bus *notify.Bus, config Config, logger log.Log) *Machine {

	guard := protocol.NewGuard(transport, nil)
	m := &Machine{
		state:     StateConnecting,
		sess:      Session{DocumentID: config.DocumentID, KnownRevision: -1},
		transport: guard,
		store:     store,
		editor:    editor,
		bus:       bus,
		config:    config,
		logger:    logger.With(log.String("component", "session"), log.String("document_id", config.DocumentID)),
		stopCh:    make(chan struct{}),
	}
	m.runner = resync.NewRunner(guard, queueOf(store), config.Resync, logger)
	return m
}

// queueOf adapts a possibly-nil store to the resync queue interface.
func queueOf(store *localstore.Store) resync.Queue {
	if store == nil {
		return noQueue{}
	}
	return store
}

type noQueue struct{}

func (noQueue) ClearPendingOperations(context.Context, string, ...int64) error { return nil }

// Start registers transport handlers and begins connecting, or restores the
// offline snapshot when the platform reports no network.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("session machine already started")
	}
	m.started = true
	m.mu.Unlock()

	m.offHandlers = append(m.offHandlers,
		m.transport.On(protocol.EventConnect, func(protocol.Event) { m.onConnect(ctx) }),
		m.transport.On(protocol.EventReconnect, func(protocol.Event) { m.onReconnect(ctx) }),
		m.transport.On(protocol.EventDisconnect, func(protocol.Event) { m.onDisconnect(ctx) }),
		m.transport.On(protocol.EventDoc, func(e protocol.Event) { m.onDoc(e) }),
		m.transport.On(protocol.EventVersion, func(e protocol.Event) { m.onVersion(e) }),
		m.transport.On(protocol.EventOnlineUsers, func(e protocol.Event) { m.onOnlineUsers(e) }),
		m.transport.On(protocol.EventMaintenance, func(protocol.Event) { m.onMaintenance() }),
		m.transport.On(protocol.EventInfo, func(e protocol.Event) { m.onInfo(e) }),
		m.transport.On(protocol.EventError, func(e protocol.Event) { m.onError(e) }),
	)

	if m.config.AutosaveInterval > 0 {
		m.wg.Add(1)
		go m.autosaveLoop(ctx)
	}

	if m.config.StartOffline {
		m.restoreFromSnapshot(ctx)
		m.toOffline(ctx, "no network at startup")
		return nil
	}

	if err := m.transport.Connect(ctx); err != nil {
		m.logger.Warn("Initial connect failed", log.Error(err))
		m.toOffline(ctx, "initial connect failed")
	}
	return nil
}

// Stop halts timers and handlers. The transport itself is left to its owner.
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.stopRetryLocked()
	m.mu.Unlock()

	close(m.stopCh)
	for _, off := range m.offHandlers {
		off()
	}
	m.offHandlers = nil
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current document session.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// NeedsReload reports whether the session hit a fatal version mismatch and
// the page must be reloaded.
func (m *Machine) NeedsReload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// Editable reports whether the user may type right now.
func (m *Machine) Editable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.frozen && !m.sess.ReadOnly
}

// NetworkOffline is the platform's "network lost" signal. Transitions to
// Offline; editing continues.
func (m *Machine) NetworkOffline(ctx context.Context) {
	m.toOffline(ctx, "platform reported offline")
}

// NetworkOnline is the platform's "network restored" signal. While offline
// it nudges the transport to reconnect; the reconnect event then drives the
// resync transition.
func (m *Machine) NetworkOnline(ctx context.Context) {
	if m.State() != StateOffline {
		return
	}
	if err := m.transport.Connect(ctx); err != nil {
		m.logger.Debug("Reconnect nudge failed", log.Error(err))
	}
}

// RecordEdit routes one local edit: forwarded live when connected, queued
// and mirrored into a snapshot when offline. Storage failures never block
// the edit.
func (m *Machine) RecordEdit(ctx context.Context, op localstore.Operation) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateConnected:
		event := protocol.NewEvent(protocol.EventOperation)
		converted := convertEdit(op, m.editor.Content())
		event.Operation = &converted
		if err := m.transport.Emit(ctx, event); err != nil {
			m.logger.Warn("Live edit send failed", log.Error(err))
		}
	case StateOffline:
		if m.store == nil {
			return
		}
		op.DocumentID = m.config.DocumentID
		if _, err := m.store.QueueOperation(ctx, m.config.DocumentID, op, m.editor.Content()); err != nil {
			m.logger.Warn("Failed to queue offline edit, editing continues", log.Error(err))
		}
	}
}

// convertEdit renders a positional edit from a line/ch buffer change. The
// buffer before the change point is identical pre- and post-edit, so the
// current content is a valid base for linearizing From.
func convertEdit(op localstore.Operation, content string) protocol.Operation {
	return protocol.Operation{Components: []protocol.Component{
		{
			Pos: linearPos(content, op.From.Line, op.From.Ch),
			Del: len([]rune(strings.Join(op.RemovedText, "\n"))),
			Ins: strings.Join(op.InsertedText, "\n"),
		},
	}}
}

// linearPos maps a line/ch coordinate to a rune offset, counting each line
// break as one rune. Coordinates past the end clamp to the buffer length.
func linearPos(content string, line, ch int) int {
	pos := 0
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if i == line {
			if ch > len([]rune(l)) {
				ch = len([]rune(l))
			}
			return pos + ch
		}
		pos += len([]rune(l)) + 1
	}
	return pos - 1
}

func (m *Machine) onConnect(ctx context.Context) {
	m.mu.Lock()
	m.stopRetryLocked()
	m.mu.Unlock()

	event := protocol.NewEvent(protocol.EventVersion)
	event.Version = &protocol.VersionPayload{Version: m.config.ProtocolVersion}
	if err := m.transport.Emit(ctx, event); err != nil {
		m.logger.Warn("Version handshake send failed", log.Error(err))
	}
}

func (m *Machine) onReconnect(ctx context.Context) {
	m.mu.Lock()
	m.stopRetryLocked()
	wasOffline := m.state == StateOffline
	m.mu.Unlock()

	if wasOffline {
		m.beginResync(ctx)
		return
	}
	m.onConnect(ctx)
}

func (m *Machine) onDisconnect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateResyncing {
		// The resync runner observes the failure itself.
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.toOffline(ctx, "transport disconnected")
}

func (m *Machine) onDoc(e protocol.Event) {
	if e.Doc == nil {
		return
	}
	m.mu.Lock()
	m.sess.KnownRevision = e.Doc.Revision
	m.sess.Clients = e.Doc.Clients
	becameConnected := m.state == StateConnecting
	if becameConnected {
		m.state = StateConnected
		m.sess.ReadOnly = false
	}
	m.mu.Unlock()

	if becameConnected {
		m.editor.IgnoreNextChange()
		m.editor.SetContent(e.Doc.Content)
		m.editor.SetReadOnly(false)
		m.publishState()
		m.logger.Info("Session connected", log.Int64("revision", e.Doc.Revision))
	}
}

func (m *Machine) onOnlineUsers(e protocol.Event) {
	if e.Users == nil {
		return
	}
	m.mu.Lock()
	m.sess.Clients = e.Users.Users
	m.mu.Unlock()
}

func (m *Machine) onVersion(e protocol.Event) {
	if e.Version == nil {
		return
	}
	if m.config.ProtocolVersion >= e.Version.MinimumCompatibleVersion {
		if e.Version.Version > m.config.ProtocolVersion {
			m.bus.Publish(notify.Event{
				Kind:       notify.KindNotification,
				DocumentID: m.config.DocumentID,
				Severity:   notify.SeverityInfo,
				Message:    "A new version is available. Refresh when convenient.",
			})
		}
		return
	}
	m.freeze()
}

// freeze is the fatal path: version incompatibility shuts the transport and
// leaves the document read-only until a full reload.
func (m *Machine) freeze() {
	m.mu.Lock()
	if m.frozen {
		m.mu.Unlock()
		return
	}
	m.frozen = true
	m.sess.ReadOnly = true
	m.stopRetryLocked()
	m.mu.Unlock()

	m.transport.SetNeedRefresh()
	_ = m.transport.Close()
	m.editor.SetReadOnly(true)
	m.bus.Publish(notify.Event{
		Kind:       notify.KindReloadRequired,
		DocumentID: m.config.DocumentID,
		Message:    "incompatible-version",
	})
	m.logger.Error("Protocol version incompatible, session frozen")
}

func (m *Machine) onMaintenance() {
	m.mu.Lock()
	m.sess.KnownRevision = -1
	m.mu.Unlock()
	m.logger.Info("Server maintenance, revision reset")
}

func (m *Machine) onInfo(e protocol.Event) {
	if e.Info == nil {
		return
	}
	switch protocol.ErrorCode(e.Info.Code) {
	case protocol.ErrorCodeForbidden, protocol.ErrorCodeNotFound, protocol.ErrorCodeServerError:
		m.bus.Publish(notify.Event{
			Kind:       notify.KindRedirect,
			DocumentID: m.config.DocumentID,
			Code:       e.Info.Code,
		})
	}
}

func (m *Machine) onError(e protocol.Event) {
	if e.Err == nil {
		return
	}
	m.logger.Error("Channel error", log.String("message", e.Err.Message))
	if strings.HasPrefix(e.Err.Message, "AUTH failed") {
		m.bus.Publish(notify.Event{
			Kind:       notify.KindRedirect,
			DocumentID: m.config.DocumentID,
			Code:       int(protocol.ErrorCodeForbidden),
		})
	}
}

// toOffline enters Offline: snapshot immediately, keep the document
// editable, surface the indicator, and start the reconnect retry loop.
func (m *Machine) toOffline(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.frozen || m.state == StateOffline {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	m.sess.ReadOnly = false
	m.mu.Unlock()

	m.logger.Info("Session offline", log.String("reason", reason))

	// Availability beats consistency: offline editing is always permitted.
	m.editor.SetReadOnly(false)
	m.snapshotNow(ctx)

	m.publishState()
	m.bus.Publish(notify.Event{
		Kind:       notify.KindOfflineIndicator,
		DocumentID: m.config.DocumentID,
		Visible:    true,
	})
	m.bus.Publish(notify.Event{
		Kind:       notify.KindNotification,
		DocumentID: m.config.DocumentID,
		Severity:   notify.SeverityWarning,
		Message:    "Network lost. Offline editing enabled.",
	})

	m.startRetry(ctx)
}

// beginResync enters Resyncing: the document goes read-only for the
// duration of the protocol, and editability is restored on every exit path.
func (m *Machine) beginResync(ctx context.Context) {
	m.mu.Lock()
	if m.frozen || m.state == StateResyncing {
		m.mu.Unlock()
		return
	}
	m.state = StateResyncing
	m.sess.ReadOnly = true
	m.stopRetryLocked()
	m.mu.Unlock()

	m.editor.SetReadOnly(true)
	m.publishState()
	m.bus.Publish(notify.Event{
		Kind:       notify.KindNotification,
		DocumentID: m.config.DocumentID,
		Severity:   notify.SeverityInfo,
		Message:    "Network restored. Syncing changes...",
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		transportDown := false
		func() {
			// Editability must come back no matter how the run ends.
			defer func() {
				m.editor.SetReadOnly(false)
				m.mu.Lock()
				m.sess.ReadOnly = false
				m.mu.Unlock()
			}()

			_, err := m.runner.Run(ctx, m.config.DocumentID, m.editor)
			transportDown = errors.Is(err, resync.ErrTransportDown)
		}()

		if transportDown {
			m.mu.Lock()
			m.state = StateConnecting // allow toOffline to run
			m.mu.Unlock()
			m.toOffline(ctx, "transport failed during resync")
			return
		}

		m.mu.Lock()
		m.state = StateConnected
		m.mu.Unlock()

		m.publishState()
		m.bus.Publish(notify.Event{
			Kind:       notify.KindOfflineIndicator,
			DocumentID: m.config.DocumentID,
			Visible:    false,
		})
		m.bus.Publish(notify.Event{
			Kind:       notify.KindNotification,
			DocumentID: m.config.DocumentID,
			Severity:   notify.SeveritySuccess,
			Message:    "All changes synced.",
		})
		m.logger.Info("Resync complete, session connected")
	}()
}

// startRetry launches the reconnect loop unless one is already running.
func (m *Machine) startRetry(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryStop != nil {
		return // a loop is already pacing reconnects
	}
	stop := make(chan struct{})
	m.retryStop = stop
	m.activeTimer++

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.activeTimer--
			m.mu.Unlock()
		}()

		ticker := time.NewTicker(m.config.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.transport.NeedRefresh() {
					return
				}
				if err := m.transport.Connect(ctx); err != nil &&
					!errors.Is(err, protocol.ErrAlreadyConnected) {
					m.logger.Debug("Reconnect attempt failed", log.Error(err))
				}
			case <-stop:
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// stopRetryLocked stops the retry loop. Caller holds mu.
func (m *Machine) stopRetryLocked() {
	if m.retryStop != nil {
		close(m.retryStop)
		m.retryStop = nil
	}
}

// snapshotNow persists the current editor content and state. Failures are
// logged and absorbed; the editor never blocks on storage.
func (m *Machine) snapshotNow(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	revision := m.sess.KnownRevision
	m.mu.Unlock()

	err := m.store.SaveEditorState(ctx, m.config.DocumentID, m.editor.Content(), revision, m.editor.SerializeState())
	if err != nil {
		m.logger.Warn("Snapshot failed, editing continues without durability", log.Error(err))
	}
}

// restoreFromSnapshot loads the last snapshot into the editor when starting
// without network.
func (m *Machine) restoreFromSnapshot(ctx context.Context) {
	if m.store == nil {
		return
	}
	snap, err := m.store.RestoreEditorState(ctx, m.config.DocumentID)
	if err != nil {
		m.logger.Warn("Snapshot restore failed", log.Error(err))
		return
	}
	if snap == nil {
		return
	}
	m.editor.IgnoreNextChange()
	m.editor.SetContent(snap.Content)
	if snap.Metadata.EditorState != "" {
		m.editor.RestoreState(snap.Metadata.EditorState)
	}
	m.mu.Lock()
	m.sess.KnownRevision = snap.Metadata.Revision
	m.mu.Unlock()

	m.bus.Publish(notify.Event{
		Kind:       notify.KindNotification,
		DocumentID: m.config.DocumentID,
		Severity:   notify.SeverityInfo,
		Message:    "Loaded document from local storage.",
	})
}

func (m *Machine) publishState() {
	m.bus.Publish(notify.Event{
		Kind:       notify.KindStateChanged,
		DocumentID: m.config.DocumentID,
		State:      m.State().String(),
	})
}

// autosaveLoop periodically snapshots the document while offline.
func (m *Machine) autosaveLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.State() == StateOffline {
				m.snapshotNow(ctx)
			}
		case <-m.stopCh:
			return
		}
	}
}
