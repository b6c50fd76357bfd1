// Package localstore persists document snapshots and the offline operation
// queue in a local SQLite database. It is the client's only durable state;
// every operation is fallible and callers are expected to keep editing when
// it breaks.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
)

// Snapshot is the full-content durable copy of a document's local state.
// At most one per document; every save replaces the previous one.
type Snapshot struct {
	DocumentID   string
	Content      string
	Metadata     Metadata
	LastModified time.Time
}

// Metadata travels with a snapshot: the last known server revision, an
// opaque serialized editor state (undo history and cursor), and when the
// snapshot was taken.
type Metadata struct {
	Revision    int64     `json:"revision"`
	EditorState string    `json:"editorState,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
}

// Operation is one local edit recorded while disconnected. Append-only,
// ordered by Timestamp, deleted only in bulk after a confirmed resync.
type Operation struct {
	ID           int64
	DocumentID   string
	From         protocol.Position
	To           protocol.Position
	InsertedText []string
	RemovedText  []string
	Origin       string
	Timestamp    int64 // unix milliseconds, monotonic per document
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id   TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	revision      INTEGER NOT NULL DEFAULT -1,
	editor_state  TEXT NOT NULL DEFAULT '',
	saved_at      TIMESTAMP NOT NULL,
	last_modified TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id   TEXT NOT NULL,
	from_line     INTEGER NOT NULL,
	from_ch       INTEGER NOT NULL,
	to_line       INTEGER NOT NULL,
	to_ch         INTEGER NOT NULL,
	inserted_text TEXT NOT NULL,
	removed_text  TEXT NOT NULL,
	origin        TEXT NOT NULL DEFAULT '',
	timestamp     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_document ON operations(document_id);
CREATE INDEX IF NOT EXISTS idx_operations_document_ts ON operations(document_id, timestamp);
`

// Store is the SQLite-backed durable local store.
type Store struct {
	db     *sql.DB
	logger log.Log
}

// Open opens (or creates) the store at path. An error here means the
// platform storage is unavailable; callers proceed without durability.
func Open(path string, logger log.Log) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}

	return &Store{db: db, logger: logger.With(log.String("component", "localstore"))}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts the document's snapshot, replacing any prior one.
func (s *Store) SaveSnapshot(ctx context.Context, documentID, content string, meta Metadata) error {
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, content, revision, editor_state, saved_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			content=excluded.content,
			revision=excluded.revision,
			editor_state=excluded.editor_state,
			saved_at=excluded.saved_at,
			last_modified=excluded.last_modified
	`, documentID, content, meta.Revision, meta.EditorState, meta.SavedAt, time.Now())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the document's snapshot, or nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, content, revision, editor_state, saved_at, last_modified
		FROM snapshots WHERE document_id = ?
	`, documentID)

	var snap Snapshot
	err := row.Scan(&snap.DocumentID, &snap.Content, &snap.Metadata.Revision,
		&snap.Metadata.EditorState, &snap.Metadata.SavedAt, &snap.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// QueueOperation appends an edit to the offline queue and returns its id.
// When snapshotContent is non-empty the document snapshot is refreshed in
// the same transaction, so queue and snapshot never diverge by more than
// one mutation. Timestamps are clamped to stay monotonic per document.
func (s *Store) QueueOperation(ctx context.Context, documentID string, op Operation, snapshotContent string) (int64, error) {
	inserted, err := json.Marshal(op.InsertedText)
	if err != nil {
		return 0, fmt.Errorf("encode inserted text: %w", err)
	}
	removed, err := json.Marshal(op.RemovedText)
	if err != nil {
		return 0, fmt.Errorf("encode removed text: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin queue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := op.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM operations WHERE document_id = ?`, documentID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last timestamp: %w", err)
	}
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations (document_id, from_line, from_ch, to_line, to_ch, inserted_text, removed_text, origin, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, documentID, op.From.Line, op.From.Ch, op.To.Line, op.To.Ch, string(inserted), string(removed), op.Origin, ts)
	if err != nil {
		return 0, fmt.Errorf("queue operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue operation id: %w", err)
	}

	if snapshotContent != "" {
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (document_id, content, revision, editor_state, saved_at, last_modified)
			VALUES (?, ?, -1, '', ?, ?)
			ON CONFLICT(document_id) DO UPDATE SET
				content=excluded.content,
				saved_at=excluded.saved_at,
				last_modified=excluded.last_modified
		`, documentID, snapshotContent, now, now); err != nil {
			return 0, fmt.Errorf("refresh snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit queue tx: %w", err)
	}
	return id, nil
}

// GetPendingOperations returns the document's queued edits ordered by
// timestamp ascending.
func (s *Store) GetPendingOperations(ctx context.Context, documentID string) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, from_line, from_ch, to_line, to_ch, inserted_text, removed_text, origin, timestamp
		FROM operations WHERE document_id = ? ORDER BY timestamp ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("get pending operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var inserted, removed string
		if err := rows.Scan(&op.ID, &op.DocumentID, &op.From.Line, &op.From.Ch,
			&op.To.Line, &op.To.Ch, &inserted, &removed, &op.Origin, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := json.Unmarshal([]byte(inserted), &op.InsertedText); err != nil {
			return nil, fmt.Errorf("decode inserted text: %w", err)
		}
		if err := json.Unmarshal([]byte(removed), &op.RemovedText); err != nil {
			return nil, fmt.Errorf("decode removed text: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// HasPendingOperations reports whether any edits are queued for the document.
func (s *Store) HasPendingOperations(ctx context.Context, documentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM operations WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending operations: %w", err)
	}
	return n > 0, nil
}

// ClearPendingOperations deletes the given operation ids, or every queued
// edit for the document when ids is empty. Clearing an empty queue is a
// no-op, not an error.
func (s *Store) ClearPendingOperations(ctx context.Context, documentID string, ids ...int64) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE document_id = ?`, documentID)
		if err != nil {
			return fmt.Errorf("clear pending operations: %w", err)
		}
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM operations WHERE document_id = ? AND id = ?`, documentID, id); err != nil {
			return fmt.Errorf("clear operation %d: %w", id, err)
		}
	}
	return nil
}

// ClearAll wipes both collections. Diagnostics and reset only.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

// SaveEditorState saves content together with the editor's serialized state,
// used right before going offline so a reload can restore the session.
func (s *Store) SaveEditorState(ctx context.Context, documentID, content string, revision int64, editorState string) error {
	return s.SaveSnapshot(ctx, documentID, content, Metadata{
		Revision:    revision,
		EditorState: editorState,
		SavedAt:     time.Now(),
	})
}

// RestoreEditorState loads the snapshot for a reload while offline. Returns
// nil when nothing was saved.
func (s *Store) RestoreEditorState(ctx context.Context, documentID string) (*Snapshot, error) {
	return s.GetSnapshot(ctx, documentID)
}
