package edgecache

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/driftnote/driftnote/internal/core/observability/log"
)

// Message types exchanged between pages and the edge.
const (
	MessageCacheNote    = "CACHE_NOTE"
	MessageNoteCached   = "NOTE_CACHED"
	MessageSyncOps      = "SYNC_OPERATIONS"
	MessageTrySyncOps   = "TRY_SYNC_OPERATIONS"
	MessageSyncComplete = "SYNC_COMPLETE"
	MessageSyncError    = "SYNC_ERROR"
)

// relayChannel is the redis channel fanning messages out to every
// subscribed page, across edge instances.
const relayChannel = "driftnote:edgecache:messages"

// Message is the JSON envelope of the page message API.
type Message struct {
	Type    string `json:"type"`
	NoteID  string `json:"noteId,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleMessage serves POST /messages.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case MessageCacheNote:
		s.cacheNotePage(msg.NoteID, msg.Content)
		s.writeMessage(w, Message{Type: MessageNoteCached, NoteID: msg.NoteID})

	case MessageSyncOps:
		relay := Message{Type: MessageTrySyncOps, NoteID: msg.NoteID}
		payload, _ := json.Marshal(relay)
		if err := s.rdb.Publish(r.Context(), relayChannel, payload).Err(); err != nil {
			s.logger.Error("Sync broadcast failed", log.Error(err))
			s.writeMessage(w, Message{Type: MessageSyncError, NoteID: msg.NoteID, Error: err.Error()})
			return
		}
		s.writeMessage(w, Message{Type: MessageSyncComplete, NoteID: msg.NoteID})

	default:
		http.Error(w, "unknown message type", http.StatusBadRequest)
	}
}

// handleMessageSocket serves /messages/ws: each connected page receives
// every relayed message until it disconnects.
func (s *Service) handleMessageSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Message socket upgrade failed", log.Error(err))
		return
	}

	// The request context dies with the handler; the subscription must
	// live as long as the socket.
	sub := s.rdb.Subscribe(context.Background(), relayChannel)
	defer sub.Close()
	defer conn.Close()

	// Discard client frames so pings and closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = sub.Close()
				return
			}
		}
	}()

	ch := sub.Channel()
	for redisMsg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(redisMsg.Payload)); err != nil {
			s.logger.Debug("Message socket write failed", log.Error(err))
			return
		}
	}
}

// cacheNotePage renders a standalone offline page for one note and caches
// it under the note URL, so reloads work with the origin gone.
func (s *Service) cacheNotePage(noteID, content string) {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <title>Offline note - %[1]s</title>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body>
  <div id="note-content" data-note-id="%[1]s">%[2]s</div>
  <script>
    window.offlineNoteId = %[3]s;
    window.offlineNoteContent = %[4]s;
  </script>
</body>
</html>
`, html.EscapeString(noteID), html.EscapeString(content), jsString(noteID), jsString(content))

	s.cache.Put(Key(http.MethodGet, "/notes/"+noteID), Entry{
		Status:      http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(page),
	})
	s.logger.Info("Offline note page cached", log.String("note_id", noteID))
}

func (s *Service) writeMessage(w http.ResponseWriter, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Warn("Failed to write message reply", log.Error(err))
	}
}

// jsString renders a value as a JS string literal.
func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
