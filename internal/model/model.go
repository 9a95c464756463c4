// Package model defines the entities shared by the client and server
// replicas: Decks, NoteTypes, Notes, Cards and ReviewLogs. Every
// mutable entity carries a common set of bookkeeping fields (id,
// timestamps, soft-delete, sync version) so that the same struct can
// be round-tripped through the Local Store, the CRDT Adapter and the
// wire formats in internal/httpapi.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names one of the syncable entity kinds. Push/Pull payloads
// and the Sync Queue are both keyed by this plus an entity id.
type EntityType string

const (
	EntityUser           EntityType = "user"
	EntityDeck           EntityType = "deck"
	EntityNoteType       EntityType = "noteType"
	EntityNoteFieldType  EntityType = "noteFieldType"
	EntityNote           EntityType = "note"
	EntityNoteFieldValue EntityType = "noteFieldValue"
	EntityCard           EntityType = "card"
	EntityReviewLog      EntityType = "reviewLog"
)

// PushOrder is the parent-first ordering a compliant client uses when
// building a push batch. Decks are independent of the note/card chain.
var PushOrder = []EntityType{
	EntityDeck,
	EntityNoteType,
	EntityNoteFieldType,
	EntityNote,
	EntityNoteFieldValue,
	EntityCard,
	EntityReviewLog,
}

// Base carries the bookkeeping fields every mutable entity has.
type Base struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"userId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	SyncVersion int64      `json:"syncVersion"`
}

// IsDeleted reports whether the entity has been soft-deleted.
func (b Base) IsDeleted() bool { return b.DeletedAt != nil }

// User owns every other entity in its replica.
type User struct {
	Base
	Username string `json:"username"`
}

// Deck groups cards for study. Name is unique per user among
// non-deleted decks.
type Deck struct {
	Base
	Name string `json:"name"`
}

// NoteFieldType is a named slot within a NoteType.
type NoteFieldType struct {
	Base
	NoteTypeID uuid.UUID `json:"noteTypeId"`
	Name       string    `json:"name"`
	Order      int       `json:"order"`
}

// NoteType is the template schema a Note fills in. If IsReversible,
// the generator produces two cards per note instead of one.
type NoteType struct {
	Base
	Name           string `json:"name"`
	FrontTemplate  string `json:"frontTemplate"`
	BackTemplate   string `json:"backTemplate"`
	IsReversible   bool   `json:"isReversible"`
	SortFieldIndex int    `json:"sortFieldIndex"`
}

// Note is one concrete content unit filling a NoteType.
type Note struct {
	Base
	DeckID     uuid.UUID `json:"deckId"`
	NoteTypeID uuid.UUID `json:"noteTypeId"`
}

// NoteFieldValue holds the value for one NoteFieldType inside one Note.
type NoteFieldValue struct {
	Base
	NoteID          uuid.UUID `json:"noteId"`
	NoteFieldTypeID uuid.UUID `json:"noteFieldTypeId"`
	Value           string    `json:"value"`
}

// CardState mirrors the FSRS card state machine.
type CardState int

const (
	StateNew CardState = iota
	StateLearning
	StateReview
	StateRelearning
)

// Card is a scheduling instance materialized from a Note. Front/Back
// are derived by the Note/Card generator and then preserved for
// offline rendering.
type Card struct {
	Base
	NoteID     uuid.UUID `json:"noteId"`
	DeckID     uuid.UUID `json:"deckId"`
	IsReversed bool      `json:"isReversed"`

	Front string `json:"front"`
	Back  string `json:"back"`

	State         CardState `json:"state"`
	Due           time.Time `json:"due"`
	Stability     float64   `json:"stability"`
	Difficulty    float64   `json:"difficulty"`
	ElapsedDays   int       `json:"elapsedDays"`
	ScheduledDays int       `json:"scheduledDays"`
	Reps          int       `json:"reps"`
	Lapses        int       `json:"lapses"`
	LastReview    *time.Time `json:"lastReview,omitempty"`
}

// Rating is the user's recall grade for a review, matching FSRS's
// Again/Hard/Good/Easy scale.
type Rating int

const (
	RatingAgain Rating = 1
	RatingHard  Rating = 2
	RatingGood  Rating = 3
	RatingEasy  Rating = 4
)

// ReviewLog is an append-only record of one review event. It is
// immutable after creation; sync merges ReviewLogs by union on ID.
type ReviewLog struct {
	Base
	CardID      uuid.UUID `json:"cardId"`
	Rating      Rating    `json:"rating"`
	State       CardState `json:"state"`
	Due         time.Time `json:"due"`
	Stability   float64   `json:"stability"`
	Difficulty  float64   `json:"difficulty"`
	ElapsedDays int       `json:"elapsedDays"`
	ReviewedAt  time.Time `json:"reviewedAt"`
	DurationMs  int       `json:"durationMs"`
}

// NewID returns a fresh random entity id. The spec permits UUIDv7 or
// v4; v4 is what the Go ecosystem's google/uuid exposes without extra
// dependencies, so replicas mint ids with it.
func NewID() uuid.UUID {
	return uuid.New()
}
