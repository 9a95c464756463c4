package syncqueue

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/nsfisis/kioku/internal/model"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := Open(db)
	require.NoError(t, err)
	return q
}

func TestEnqueueAndPendingChanges(t *testing.T) {
	q := setupTestQueue(t)
	now := time.Now().UTC()
	id := model.NewID()

	require.NoError(t, q.Enqueue(model.EntityCard, id, now))

	pending, err := q.PendingChanges(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].EntityID)
	require.Equal(t, StatusPending, pending[0].Status)

	has, err := q.HasPending()
	require.NoError(t, err)
	require.True(t, has)
}

func TestMarkInFlightThenSynced(t *testing.T) {
	q := setupTestQueue(t)
	now := time.Now().UTC()
	id := model.NewID()
	require.NoError(t, q.Enqueue(model.EntityCard, id, now))

	pending, err := q.PendingChanges(10)
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(pending, now))

	snap, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, snap.PendingCount)
	require.Equal(t, 1, snap.InFlightCount)

	require.NoError(t, q.MarkSynced(model.EntityCard, id))

	has, err := q.HasPending()
	require.NoError(t, err)
	require.False(t, has)
}

func TestMarkFailedReturnsToPendingAndIncrementsAttempts(t *testing.T) {
	q := setupTestQueue(t)
	now := time.Now().UTC()
	id := model.NewID()
	require.NoError(t, q.Enqueue(model.EntityCard, id, now))

	pending, err := q.PendingChanges(10)
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(pending, now))

	require.NoError(t, q.MarkFailed(model.EntityCard, id, errors.New("network timeout"), now.Add(time.Second)))

	again, err := q.PendingChanges(10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 1, again[0].Attempts)
	require.Equal(t, "network timeout", again[0].LastError)
}

func TestEnqueueIsIdempotentOnSameEntity(t *testing.T) {
	q := setupTestQueue(t)
	now := time.Now().UTC()
	id := model.NewID()

	require.NoError(t, q.Enqueue(model.EntityDeck, id, now))
	require.NoError(t, q.Enqueue(model.EntityDeck, id, now.Add(time.Minute)))

	pending, err := q.PendingChanges(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSubscribeReceivesSnapshotOnTransition(t *testing.T) {
	q := setupTestQueue(t)
	ch := q.Subscribe()

	require.NoError(t, q.Enqueue(model.EntityDeck, model.NewID(), time.Now().UTC()))

	select {
	case snap := <-ch:
		require.Equal(t, 1, snap.PendingCount)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot after enqueue")
	}
}
