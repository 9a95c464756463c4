package fsrs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nsfisis/kioku/internal/model"
)

func newTestCard(t *testing.T, now time.Time) model.Card {
	t.Helper()
	return model.Card{
		Base: model.Base{
			ID:        model.NewID(),
			UserID:    uuid.New(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		State: model.StateNew,
		Due:   now,
	}
}

// TestScheduleNewCardGood checks that a brand-new card answered Good
// graduates to Review with at least one scheduled day and exactly one
// review logged.
func TestScheduleNewCardGood(t *testing.T) {
	s := NewScheduler(DefaultParameters())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	card := newTestCard(t, now)

	next, log, err := s.Schedule(card, model.RatingGood, now)
	require.NoError(t, err)

	require.Equal(t, model.StateReview, next.State)
	require.Equal(t, 1, next.Reps)
	require.Equal(t, 0, next.Lapses)
	require.GreaterOrEqual(t, next.ScheduledDays, 1)
	require.True(t, next.Due.After(now) || next.Due.Equal(now))
	require.Equal(t, model.RatingGood, log.Rating)
	require.Equal(t, card.ID, log.CardID)
	require.Equal(t, now, log.ReviewedAt)
}

// TestScheduleDeterministic verifies the "bit-identical" requirement:
// the same (state, rating, now) always produces the same output,
// independent of call order or goroutine.
func TestScheduleDeterministic(t *testing.T) {
	s := NewScheduler(DefaultParameters())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	card := newTestCard(t, now)

	a, logA, errA := s.Schedule(card, model.RatingGood, now)
	b, logB, errB := s.Schedule(card, model.RatingGood, now)
	require.NoError(t, errA)
	require.NoError(t, errB)

	require.Equal(t, a.Stability, b.Stability)
	require.Equal(t, a.Difficulty, b.Difficulty)
	require.Equal(t, a.Due, b.Due)
	require.Equal(t, a.ScheduledDays, b.ScheduledDays)
	require.Equal(t, logA.Stability, logB.Stability)
}

// TestScheduleEasyNeverShrinksReviewInterval checks that, for a
// Review-state card, an Easy rating never decreases the scheduled
// interval relative to a Good rating from the same state.
func TestScheduleEasyNeverShrinksReviewInterval(t *testing.T) {
	s := NewScheduler(DefaultParameters())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	card := newTestCard(t, now)

	afterGood, _, err := s.Schedule(card, model.RatingGood, now)
	require.NoError(t, err)

	reviewCard := afterGood
	reviewCard.ElapsedDays = reviewCard.ScheduledDays
	later := afterGood.Due

	goodAgain, _, err := s.Schedule(reviewCard, model.RatingGood, later)
	require.NoError(t, err)
	easyAgain, _, err := s.Schedule(reviewCard, model.RatingEasy, later)
	require.NoError(t, err)

	require.GreaterOrEqual(t, easyAgain.ScheduledDays, goodAgain.ScheduledDays)
}

// TestScheduleAgainIncrementsLapses checks the Again-path bookkeeping:
// lapses increment and the card drops into Relearning.
func TestScheduleAgainIncrementsLapses(t *testing.T) {
	s := NewScheduler(DefaultParameters())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	card := newTestCard(t, now)
	card.State = model.StateReview
	card.Stability = 5
	card.Difficulty = 5
	card.ElapsedDays = 5

	next, log, err := s.Schedule(card, model.RatingAgain, now)
	require.NoError(t, err)
	require.Equal(t, model.StateRelearning, next.State)
	require.Equal(t, 1, next.Lapses)
	require.Equal(t, model.RatingAgain, log.Rating)
}

// TestScheduleRejectsUnknownRating checks that invalid ratings are
// rejected rather than silently defaulted.
func TestScheduleRejectsUnknownRating(t *testing.T) {
	s := NewScheduler(DefaultParameters())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	card := newTestCard(t, now)

	_, _, err := s.Schedule(card, model.Rating(99), now)
	require.Error(t, err)
}
