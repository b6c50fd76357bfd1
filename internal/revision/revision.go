// Package revision snapshots note content into an append-only revision
// history on a periodic sweep, with a sleep mode for idle servers.
package revision

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound reports a missing note.
	ErrNotFound = errors.New("revision: note not found")
	// ErrForbidden reports a revision request by a non-owner.
	ErrForbidden = errors.New("revision: forbidden")
)

// Note is the subset of a note the snapshot job reads.
type Note struct {
	ID               string
	Title            string
	Content          string
	OwnerID          string
	LastRevisionHash string
	UpdatedAt        time.Time
}

// Dirty reports whether the note's content diverged from its last
// snapshotted revision.
func (n Note) Dirty() bool {
	return ContentHash(n.Content) != n.LastRevisionHash
}

// ContentHash fingerprints note content for dirty tracking.
func ContentHash(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// Revision is one snapshot of a note.
type Revision struct {
	ID        int64     `json:"id"`
	NoteID    string    `json:"noteId"`
	Content   string    `json:"content,omitempty"`
	Patch     string    `json:"patch,omitempty"`
	Length    int       `json:"length"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notes and their revision history.
type Store interface {
	// FindRevisionCandidate loads one note, ErrNotFound when missing.
	FindRevisionCandidate(ctx context.Context, noteID string) (Note, error)

	// SaveOneRevision snapshots one note regardless of dirty state.
	// ErrNotFound when the note does not exist.
	SaveOneRevision(ctx context.Context, noteID string) (Revision, error)

	// SaveAllDirtyRevisions snapshots every dirty note and returns how
	// many revisions were written.
	SaveAllDirtyRevisions(ctx context.Context) (int, error)

	// ListNoteIDs returns the ids of every note.
	ListNoteIDs(ctx context.Context) ([]string, error)

	// ListRevisions returns revision metadata newest first, without
	// content or patch bodies.
	ListRevisions(ctx context.Context, noteID string) ([]Revision, error)

	// GetRevision returns one full revision by its creation time.
	GetRevision(ctx context.Context, noteID string, createdAt time.Time) (Revision, error)
}
