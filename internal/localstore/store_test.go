package localstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nsfisis/kioku/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	id := model.NewID()
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	row := Row{
		EntityType: model.EntityDeck,
		ID:         id,
		UserID:     userID,
		UpdatedAt:  now,
		Dirty:      true,
		Doc:        []byte(`{"fields":{"name":{"value":"Japanese","stamp":{"ts":1,"replica":"a"}}}}`),
	}
	require.NoError(t, s.Put(row))

	got, ok, err := s.Get(model.EntityDeck, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got.ID)
	require.Equal(t, userID, got.UserID)
	require.True(t, got.Dirty)
	require.JSONEq(t, string(row.Doc), string(got.Doc))
}

func TestFindByDeckID(t *testing.T) {
	s := setupTestStore(t)
	deckID := model.NewID()
	noteID := model.NewID()
	now := time.Now().UTC()

	card1 := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, NoteID: &noteID, UpdatedAt: now, Doc: []byte(`{}`)}
	card2 := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, NoteID: &noteID, UpdatedAt: now, Doc: []byte(`{}`)}
	otherDeck := model.NewID()
	card3 := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &otherDeck, NoteID: &noteID, UpdatedAt: now, Doc: []byte(`{}`)}

	require.NoError(t, s.Put(card1))
	require.NoError(t, s.Put(card2))
	require.NoError(t, s.Put(card3))

	found, err := s.FindByDeckID(model.EntityCard, deckID)
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestFindDueOrdersByDueDate(t *testing.T) {
	s := setupTestStore(t)
	deckID := model.NewID()
	now := time.Now().UTC()

	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	cardLater := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, Due: &later, State: model.StateReview, UpdatedAt: now, Doc: []byte(`{}`)}
	cardEarlier := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, Due: &earlier, State: model.StateReview, UpdatedAt: now, Doc: []byte(`{}`)}
	cardFuture := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, Due: ptr(now.Add(48 * time.Hour)), State: model.StateReview, UpdatedAt: now, Doc: []byte(`{}`)}

	require.NoError(t, s.Put(cardLater))
	require.NoError(t, s.Put(cardEarlier))
	require.NoError(t, s.Put(cardFuture))

	due, err := s.FindDue(deckID, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, cardEarlier.ID, due[0].ID)
	require.Equal(t, cardLater.ID, due[1].ID)
}

func TestFindDueCapsNewCards(t *testing.T) {
	s := setupTestStore(t)
	deckID := model.NewID()
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	dueReview := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, Due: &earlier, State: model.StateReview, UpdatedAt: now, Doc: []byte(`{}`)}
	require.NoError(t, s.Put(dueReview))

	var newCards []Row
	for i := 0; i < 5; i++ {
		c := Row{EntityType: model.EntityCard, ID: model.NewID(), UserID: uuid.New(), DeckID: &deckID, Due: &earlier, State: model.StateNew, UpdatedAt: now, Doc: []byte(`{}`)}
		require.NoError(t, s.Put(c))
		newCards = append(newCards, c)
	}

	due, err := s.FindDue(deckID, now, 2)
	require.NoError(t, err)
	require.Len(t, due, 3)

	var newCount, reviewCount int
	for _, r := range due {
		switch r.State {
		case model.StateNew:
			newCount++
		case model.StateReview:
			reviewCount++
		}
	}
	require.Equal(t, 2, newCount)
	require.Equal(t, 1, reviewCount)
}

func TestFindDirtyAndClearDirty(t *testing.T) {
	s := setupTestStore(t)
	id := model.NewID()
	now := time.Now().UTC()

	require.NoError(t, s.Put(Row{EntityType: model.EntityDeck, ID: id, UserID: uuid.New(), UpdatedAt: now, Dirty: true, Doc: []byte(`{}`)}))

	dirty, err := s.FindDirty(10)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	require.NoError(t, s.ClearDirty(model.EntityDeck, id, 7))

	got, ok, err := s.Get(model.EntityDeck, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.Dirty)
	require.Equal(t, int64(7), got.SyncVersion)
}

func TestDeleteSoftVsHard(t *testing.T) {
	s := setupTestStore(t)
	id := model.NewID()
	now := time.Now().UTC()

	require.NoError(t, s.Put(Row{EntityType: model.EntityDeck, ID: id, UserID: uuid.New(), UpdatedAt: now, Doc: []byte(`{}`)}))

	deletedAt := now.Add(time.Minute)
	require.NoError(t, s.Put(Row{EntityType: model.EntityDeck, ID: id, UserID: uuid.New(), UpdatedAt: deletedAt, DeletedAt: &deletedAt, Doc: []byte(`{}`)}))

	got, ok, err := s.Get(model.EntityDeck, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.DeletedAt)

	require.NoError(t, s.Delete(model.EntityDeck, id))
	_, ok, err = s.Get(model.EntityDeck, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	id := model.NewID()
	now := time.Now().UTC()

	err := s.Transaction(func(tx *Tx) error {
		if err := tx.Put(Row{EntityType: model.EntityDeck, ID: id, UserID: uuid.New(), UpdatedAt: now, Doc: []byte(`{}`)}); err != nil {
			return err
		}
		return assertFailure()
	})
	require.Error(t, err)

	_, ok, getErr := s.Get(model.EntityDeck, id)
	require.NoError(t, getErr)
	require.False(t, ok)
}

func assertFailure() error {
	return errTestRollback
}

var errTestRollback = &rollbackErr{}

type rollbackErr struct{}

func (*rollbackErr) Error() string { return "forced rollback" }

func ptr(t time.Time) *time.Time { return &t }
