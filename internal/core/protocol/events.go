package protocol

import (
	"time"
)

// EventType identifies a realtime channel event. The vocabulary mirrors the
// editing channel: lifecycle events from the transport itself plus document
// events relayed by the server.
type EventType string

const (
	EventConnect     EventType = "connect"
	EventDisconnect  EventType = "disconnect"
	EventReconnect   EventType = "reconnect"
	EventDoc         EventType = "doc"
	EventOperation   EventType = "operation"
	EventAck         EventType = "ack"
	EventVersion     EventType = "version"
	EventMaintenance EventType = "maintenance"
	EventRefresh     EventType = "refresh"
	EventOnlineUsers EventType = "online users"
	EventInfo        EventType = "info"
	EventError       EventType = "error"
)

// Position is a text coordinate in the editor buffer.
type Position struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

// Component is one positional element of an OT operation: at offset Pos,
// delete Del runes and/or insert Ins.
type Component struct {
	Pos int    `json:"p"`
	Del int    `json:"d,omitempty"`
	Ins string `json:"i,omitempty"`
}

// Operation is an ordered list of components applied atomically.
type Operation struct {
	Components []Component `json:"op"`
}

// FullReplace builds the synthetic operation that deletes oldLen runes at
// offset zero and inserts content. It is the single edit used to reconcile
// offline changes.
func FullReplace(oldLen int, content string) Operation {
	return Operation{Components: []Component{
		{Pos: 0, Del: oldLen},
		{Pos: 0, Ins: content},
	}}
}

// UserInfo describes one active client on a document.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// DocPayload is the authoritative document pushed by the server.
type DocPayload struct {
	Content  string     `json:"str"`
	Revision int64      `json:"revision"`
	Clients  []UserInfo `json:"clients,omitempty"`
}

// OnlineUsersPayload is the active-client roster broadcast whenever a
// client joins or leaves a document.
type OnlineUsersPayload struct {
	Users []UserInfo `json:"users"`
}

// VersionPayload is the server's version handshake response.
type VersionPayload struct {
	Version                  int `json:"version"`
	MinimumCompatibleVersion int `json:"minimumCompatibleVersion"`
}

// InfoPayload carries a numeric status code for redirect-worthy failures.
type InfoPayload struct {
	Code int `json:"code"`
}

// ErrorPayload carries a transport-level error signal.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is one realtime channel event with its typed payload. Only the field
// matching Type is populated.
type Event struct {
	Type      EventType
	Timestamp time.Time

	Doc       *DocPayload
	Operation *Operation
	Version   *VersionPayload
	Users     *OnlineUsersPayload
	Info      *InfoPayload
	Err       *ErrorPayload
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// Handler consumes a channel event. Handlers run on the transport's event
// goroutine and must not block.
type Handler func(Event)
