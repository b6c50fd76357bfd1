package revision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// OpenDB opens the Postgres pool used by the revision store.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store on Postgres. Revisions are append-only;
// notes carry a content fingerprint for dirty tracking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the revision tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS notes (
			id                 TEXT PRIMARY KEY,
			title              TEXT NOT NULL DEFAULT '',
			content            TEXT NOT NULL DEFAULT '',
			owner_id           TEXT NOT NULL DEFAULT '',
			last_revision_hash TEXT NOT NULL DEFAULT '',
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS revisions (
			id         BIGSERIAL PRIMARY KEY,
			note_id    TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
			content    TEXT NOT NULL,
			patch      TEXT NOT NULL DEFAULT '',
			length     INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_revisions_note_created
			ON revisions (note_id, created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate revision schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindRevisionCandidate(ctx context.Context, noteID string) (Note, error) {
	const query = `
		SELECT id, title, content, owner_id, last_revision_hash, updated_at
		FROM notes WHERE id = $1
	`
	var note Note
	err := s.db.QueryRowContext(ctx, query, noteID).Scan(
		&note.ID, &note.Title, &note.Content, &note.OwnerID, &note.LastRevisionHash, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("lookup note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) SaveOneRevision(ctx context.Context, noteID string) (Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin revision tx: %w", err)
	}
	defer tx.Rollback()

	var note Note
	err = tx.QueryRowContext(ctx,
		`SELECT id, content FROM notes WHERE id = $1 FOR UPDATE`, noteID).
		Scan(&note.ID, &note.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, fmt.Errorf("lock note: %w", err)
	}

	rev, err := appendRevision(ctx, tx, note)
	if err != nil {
		return Revision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit revision: %w", err)
	}
	return rev, nil
}

func (s *PostgresStore) SaveAllDirtyRevisions(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, last_revision_hash FROM notes`)
	if err != nil {
		return 0, fmt.Errorf("scan notes: %w", err)
	}
	var dirty []string
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.Content, &note.LastRevisionHash); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan note row: %w", err)
		}
		if note.Dirty() {
			dirty = append(dirty, note.ID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate notes: %w", err)
	}

	saved := 0
	for _, id := range dirty {
		if _, err := s.SaveOneRevision(ctx, id); err != nil {
			// A vanished note is not a sweep failure.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return saved, err
		}
		saved++
	}
	return saved, nil
}

func (s *PostgresStore) ListNoteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListRevisions(ctx context.Context, noteID string) ([]Revision, error) {
	if _, err := s.FindRevisionCandidate(ctx, noteID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, length, created_at
		FROM revisions WHERE note_id = $1
		ORDER BY created_at DESC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var rev Revision
		if err := rows.Scan(&rev.ID, &rev.NoteID, &rev.Length, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision row: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRevision(ctx context.Context, noteID string, createdAt time.Time) (Revision, error) {
	const query = `
		SELECT id, note_id, content, patch, length, created_at
		FROM revisions
		WHERE note_id = $1 AND date_trunc('milliseconds', created_at) = $2
	`
	var rev Revision
	err := s.db.QueryRowContext(ctx, query, noteID, createdAt).Scan(
		&rev.ID, &rev.NoteID, &rev.Content, &rev.Patch, &rev.Length, &rev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

// appendRevision writes one revision row inside tx and refreshes the note's
// fingerprint. The stored patch transforms the previous revision into this
// one; the first revision patches from empty.
func appendRevision(ctx context.Context, tx *sql.Tx, note Note) (Revision, error) {
	var previous string
	err := tx.QueryRowContext(ctx, `
		SELECT content FROM revisions
		WHERE note_id = $1 ORDER BY created_at DESC LIMIT 1
	`, note.ID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("previous revision: %w", err)
	}

	rev := Revision{
		NoteID:  note.ID,
		Content: note.Content,
		Patch:   PatchText(previous, note.Content),
		Length:  len([]rune(note.Content)),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO revisions (note_id, content, patch, length)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, rev.NoteID, rev.Content, rev.Patch, rev.Length).Scan(&rev.ID, &rev.CreatedAt)
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE notes SET last_revision_hash = $2 WHERE id = $1
	`, note.ID, ContentHash(note.Content)); err != nil {
		return Revision{}, fmt.Errorf("update note hash: %w", err)
	}
	return rev, nil
}

// PatchText renders the textual patch turning before into after.
func PatchText(before, after string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}
