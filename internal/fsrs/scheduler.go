// Package fsrs wraps github.com/open-spaced-repetition/go-fsrs/v3 behind
// a small scheduler contract:
//
//	schedule(state, rating, reviewedAt) -> (newState, log)
//
// It is a pure function over its inputs: no I/O, no RNG, no wall-clock
// reads beyond the passed-in reviewedAt. Both the client and the
// server import this package and call the same go-fsrs.Parameters so
// their scheduling decisions stay bit-identical.
package fsrs

import (
	"fmt"
	"time"

	gofsrs "github.com/open-spaced-repetition/go-fsrs/v3"

	"github.com/nsfisis/kioku/internal/model"
)

// Parameters configures the scheduler: desired retention and the
// maximum scheduled interval cap.
type Parameters struct {
	RequestRetention float64
	MaximumIntervalDays int
}

// DefaultParameters returns spaced-repetition defaults: standard
// retention tuning with the interval capped at roughly 100 years.
func DefaultParameters() Parameters {
	p := gofsrs.DefaultParam()
	return Parameters{
		RequestRetention:    p.RequestRetention,
		MaximumIntervalDays: 36500,
	}
}

// Scheduler computes FSRS transitions for a fixed set of Parameters.
type Scheduler struct {
	params gofsrs.Parameters
}

// NewScheduler builds a Scheduler from Parameters.
func NewScheduler(p Parameters) *Scheduler {
	gp := gofsrs.DefaultParam()
	gp.RequestRetention = p.RequestRetention
	gp.MaximumInterval = float64(p.MaximumIntervalDays)
	return &Scheduler{params: gp}
}

// Schedule computes the next card state and the ReviewLog entry for a
// rating applied at reviewedAt. It never mutates card; it returns a
// new value plus the new review log. This is the sole place either
// replica computes FSRS math, which is what keeps the two
// bit-identical and deterministic.
func (s *Scheduler) Schedule(card model.Card, rating model.Rating, reviewedAt time.Time) (model.Card, model.ReviewLog, error) {
	in := toGoFSRSCard(card)

	results := gofsrs.NewFSRS(s.params).Repeat(in, reviewedAt)
	info, ok := results[gofsrs.Rating(rating)]
	if !ok {
		return model.Card{}, model.ReviewLog{}, fmt.Errorf("fsrs: no scheduling info for rating %d", rating)
	}

	next := card
	applyGoFSRSCard(&next, info.Card)
	next.UpdatedAt = reviewedAt

	log := model.ReviewLog{
		Base: model.Base{
			ID:        model.NewID(),
			UserID:    card.UserID,
			CreatedAt: reviewedAt,
			UpdatedAt: reviewedAt,
		},
		CardID:      card.ID,
		Rating:      rating,
		State:       model.CardState(info.Card.State),
		Due:         info.Card.Due,
		Stability:   info.Card.Stability,
		Difficulty:  info.Card.Difficulty,
		ElapsedDays: int(info.ReviewLog.ElapsedDays),
		ReviewedAt:  reviewedAt,
	}

	return next, log, nil
}

func toGoFSRSCard(c model.Card) gofsrs.Card {
	g := gofsrs.NewCard()
	g.Due = c.Due
	g.Stability = c.Stability
	g.Difficulty = c.Difficulty
	g.ElapsedDays = uint64(c.ElapsedDays)
	g.ScheduledDays = uint64(c.ScheduledDays)
	g.Reps = uint64(c.Reps)
	g.Lapses = uint64(c.Lapses)
	g.State = gofsrs.State(c.State)
	if c.LastReview != nil {
		g.LastReview = *c.LastReview
	}
	return g
}

func applyGoFSRSCard(c *model.Card, g gofsrs.Card) {
	c.Due = g.Due
	c.Stability = g.Stability
	c.Difficulty = g.Difficulty
	c.ElapsedDays = int(g.ElapsedDays)
	c.ScheduledDays = int(g.ScheduledDays)
	c.Reps = int(g.Reps)
	c.Lapses = int(g.Lapses)
	c.State = model.CardState(g.State)
	lastReview := g.LastReview
	c.LastReview = &lastReview
}
