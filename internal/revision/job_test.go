package revision

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnote/driftnote/internal/core/observability/log"
)

// memStore is an in-memory Store for job and handler tests.
type memStore struct {
	mu        sync.Mutex
	notes     map[string]Note
	revisions map[string][]Revision
	nextID    int64
	sweepErr  error
	sweeps    int
}

func newMemStore() *memStore {
	return &memStore{
		notes:     make(map[string]Note),
		revisions: make(map[string][]Revision),
	}
}

func (m *memStore) putNote(note Note) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[note.ID] = note
}

func (m *memStore) FindRevisionCandidate(_ context.Context, noteID string) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return Note{}, ErrNotFound
	}
	return note, nil
}

func (m *memStore) SaveOneRevision(_ context.Context, noteID string) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(noteID)
}

func (m *memStore) saveLocked(noteID string) (Revision, error) {
	note, ok := m.notes[noteID]
	if !ok {
		return Revision{}, ErrNotFound
	}
	var previous string
	if revs := m.revisions[noteID]; len(revs) > 0 {
		previous = revs[len(revs)-1].Content
	}
	m.nextID++
	rev := Revision{
		ID:        m.nextID,
		NoteID:    noteID,
		Content:   note.Content,
		Patch:     PatchText(previous, note.Content),
		Length:    len([]rune(note.Content)),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond).Add(time.Duration(m.nextID) * time.Millisecond),
	}
	m.revisions[noteID] = append(m.revisions[noteID], rev)
	note.LastRevisionHash = ContentHash(note.Content)
	m.notes[noteID] = note
	return rev, nil
}

func (m *memStore) SaveAllDirtyRevisions(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	if m.sweepErr != nil {
		return 0, m.sweepErr
	}
	saved := 0
	ids := make([]string, 0, len(m.notes))
	for id := range m.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if m.notes[id].Dirty() {
			if _, err := m.saveLocked(id); err != nil {
				return saved, err
			}
			saved++
		}
	}
	return saved, nil
}

func (m *memStore) ListNoteIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.notes))
	for id := range m.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ListRevisions(_ context.Context, noteID string) ([]Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[noteID]; !ok {
		return nil, ErrNotFound
	}
	revs := m.revisions[noteID]
	out := make([]Revision, 0, len(revs))
	for i := len(revs) - 1; i >= 0; i-- {
		meta := revs[i]
		meta.Content = ""
		meta.Patch = ""
		out = append(out, meta)
	}
	return out, nil
}

func (m *memStore) GetRevision(_ context.Context, noteID string, createdAt time.Time) (Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rev := range m.revisions[noteID] {
		if rev.CreatedAt.Equal(createdAt) {
			return rev, nil
		}
	}
	return Revision{}, ErrNotFound
}

func (m *memStore) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func (m *memStore) revisionCount(noteID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.revisions[noteID])
}

func newTestJob(store Store) *Job {
	return NewJob(store, Config{Interval: 10 * time.Millisecond}, log.NewNop())
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
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSweepSavesDirtyNotes(t *testing.T) {
	store := newMemStore()
	store.putNote(Note{ID: "n1", Content: "hello"})
	store.putNote(Note{ID: "n2", Content: "world"})

	job := newTestJob(store)
	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, func() bool {
		return store.revisionCount("n1") == 1 && store.revisionCount("n2") == 1
	}, "both notes snapshotted")
}

func TestZeroDirtySweepSleeps(t *testing.T) {
	store := newMemStore()
	job := newTestJob(store)
	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, job.Sleeping, "job sleeping")

	// Asleep, the job no longer sweeps.
	base := store.sweepCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, base, store.sweepCount())
}

func TestManualSaveWakesSleeper(t *testing.T) {
	store := newMemStore()
	store.putNote(Note{ID: "n1", Content: "v1"})

	job := newTestJob(store)
	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, job.Sleeping, "job sleeping after clean sweep")

	store.putNote(Note{ID: "n1", Content: "v2"})
	rev, err := job.SaveOne(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "v2", rev.Content)
	assert.False(t, job.Sleeping())
}

func TestSaveOneMissingNote(t *testing.T) {
	store := newMemStore()
	job := newTestJob(store)

	_, err := job.SaveOne(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.revisionCount("ghost"))
}

func TestStartStopIdempotent(t *testing.T) {
	store := newMemStore()
	job := newTestJob(store)

	job.Start(context.Background())
	job.Start(context.Background())
	job.Stop()
	job.Stop()

	// Restart works after a full stop.
	job.Start(context.Background())
	job.Stop()
}

func TestSweepErrorKeepsTimerAlive(t *testing.T) {
	store := newMemStore()
	store.mu.Lock()
	store.sweepErr = errors.New("db down")
	store.mu.Unlock()

	job := newTestJob(store)
	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, func() bool { return store.sweepCount() >= 2 }, "repeated sweeps despite errors")
	assert.False(t, job.Sleeping())

	store.mu.Lock()
	store.sweepErr = nil
	store.mu.Unlock()
	store.putNote(Note{ID: "n1", Content: "recovered"})

	waitFor(t, func() bool { return store.revisionCount("n1") == 1 }, "sweep recovers")
}

func TestSaveAllIgnoresSleep(t *testing.T) {
	store := newMemStore()
	job := newTestJob(store)
	job.Start(context.Background())
	defer job.Stop()

	waitFor(t, job.Sleeping, "job sleeping")

	store.putNote(Note{ID: "n1", Content: "text"})
	revs, err := job.SaveAll(context.Background())
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "n1", revs[0].NoteID)
	assert.False(t, job.Sleeping())
}

func TestSaveAllSnapshotsCleanNotes(t *testing.T) {
	store := newMemStore()
	store.putNote(Note{ID: "n1", Content: "steady"})
	store.putNote(Note{ID: "n2", Content: "fresh"})

	job := newTestJob(store)

	// Snapshot n1 so it is clean going into the full save.
	_, err := job.SaveOne(context.Background(), "n1")
	require.NoError(t, err)

	revs, err := job.SaveAll(context.Background())
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, 2, store.revisionCount("n1"))
	assert.Equal(t, 1, store.revisionCount("n2"))
}

func TestPatchTextRoundTrip(t *testing.T) {
	patch := PatchText("hello world", "hello brave world")
	assert.NotEmpty(t, patch)
	assert.Contains(t, patch, "brave")
}
