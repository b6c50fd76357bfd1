package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/core/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "local.db"), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveSnapshot(ctx, "doc-1", "hello", Metadata{Revision: 4, SavedAt: time.Now()})
	require.NoError(t, err)

	snap, err := store.GetSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "hello", snap.Content)
	assert.Equal(t, int64(4), snap.Metadata.Revision)
}

func TestGetSnapshotMissing(t *testing.T) {
	store := openTestStore(t)

	snap, err := store.GetSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotReplacesPrevious(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "doc-1", "v1", Metadata{Revision: 1, SavedAt: time.Now()}))
	require.NoError(t, store.SaveSnapshot(ctx, "doc-1", "v2", Metadata{Revision: 2, SavedAt: time.Now()}))

	snap, err := store.GetSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.Content)
	assert.Equal(t, int64(2), snap.Metadata.Revision)
}

func TestQueueOrderingSurvivesClockSkew(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := Operation{
		From:         protocol.Position{Line: 0, Ch: 0},
		InsertedText: []string{"a"},
		Timestamp:    5000,
	}
	// The second edit claims an earlier wall clock; storage must clamp it
	// so replay order matches edit order.
	second := Operation{
		From:         protocol.Position{Line: 0, Ch: 1},
		InsertedText: []string{"b"},
		Timestamp:    1000,
	}

	_, err := store.QueueOperation(ctx, "doc-1", first, "a")
	require.NoError(t, err)
	_, err = store.QueueOperation(ctx, "doc-1", second, "ab")
	require.NoError(t, err)

	ops, err := store.GetPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"a"}, ops[0].InsertedText)
	assert.Equal(t, []string{"b"}, ops[1].InsertedText)
	assert.Greater(t, ops[1].Timestamp, ops[0].Timestamp)
}

func TestQueueRefreshesSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	op := Operation{InsertedText: []string{"x"}, Origin: "+input"}
	_, err := store.QueueOperation(ctx, "doc-1", op, "content after edit")
	require.NoError(t, err)

	snap, err := store.GetSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "content after edit", snap.Content)
}

func TestHasPendingOperations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	has, err := store.HasPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"x"}}, "x")
	require.NoError(t, err)

	has, err = store.HasPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestClearPendingOperationsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Clearing an empty queue succeeds.
	require.NoError(t, store.ClearPendingOperations(ctx, "doc-1"))

	_, err := store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"x"}}, "x")
	require.NoError(t, err)
	require.NoError(t, store.ClearPendingOperations(ctx, "doc-1"))
	require.NoError(t, store.ClearPendingOperations(ctx, "doc-1"))

	ops, err := store.GetPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestClearSelectedOperations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"a"}}, "a")
	require.NoError(t, err)
	_, err = store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"b"}}, "ab")
	require.NoError(t, err)

	require.NoError(t, store.ClearPendingOperations(ctx, "doc-1", id1))

	ops, err := store.GetPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"b"}, ops[0].InsertedText)
}

func TestQueueIsolationBetweenDocuments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"a"}}, "a")
	require.NoError(t, err)
	_, err = store.QueueOperation(ctx, "doc-2", Operation{InsertedText: []string{"b"}}, "b")
	require.NoError(t, err)

	require.NoError(t, store.ClearPendingOperations(ctx, "doc-1"))

	ops, err := store.GetPendingOperations(ctx, "doc-2")
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestEditorStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.SaveEditorState(ctx, "doc-1", "body text", 9, `{"cursor":{"line":2,"ch":7}}`)
	require.NoError(t, err)

	snap, err := store.RestoreEditorState(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "body text", snap.Content)
	assert.Equal(t, int64(9), snap.Metadata.Revision)
	assert.Equal(t, `{"cursor":{"line":2,"ch":7}}`, snap.Metadata.EditorState)
}

func TestClearAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, "doc-1", "x", Metadata{SavedAt: time.Now()}))
	_, err := store.QueueOperation(ctx, "doc-1", Operation{InsertedText: []string{"x"}}, "x")
	require.NoError(t, err)

	require.NoError(t, store.ClearAll(ctx))

	snap, err := store.GetSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	ops, err := store.GetPendingOperations(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}
