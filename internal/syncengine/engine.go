// Package syncengine implements the server-side sync logic: accepting
// a push batch, merging each document into the authoritative store,
// and — for ReviewLog documents — re-running the FSRS scheduler
// against the server's own Card state so client and server always
// agree on the resulting Stability/Difficulty/Due, however long a
// client was offline. It depends on internal/serverstore for storage
// and internal/fsrs for the scheduler, keeping the HTTP handler layer
// (internal/httpapi) thin.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/fsrs"
	"github.com/nsfisis/kioku/internal/generator"
	"github.com/nsfisis/kioku/internal/model"
	"github.com/nsfisis/kioku/internal/serverstore"
)

// Engine is the server's sync request handler core.
type Engine struct {
	Store     *serverstore.Store
	Scheduler *fsrs.Scheduler
}

func New(store *serverstore.Store, scheduler *fsrs.Scheduler) *Engine {
	return &Engine{Store: store, Scheduler: scheduler}
}

// Push merges a client's batch of documents into the authoritative
// store, in the order received — the client is responsible for
// parent-first ordering — and returns the syncVersion assigned to
// each, positionally matching the input.
func (e *Engine) Push(ctx context.Context, userID uuid.UUID, docs []crdt.Document, now time.Time) ([]int64, error) {
	versions := make([]int64, len(docs))
	merged := make([]crdt.Document, len(docs))

	err := e.Store.Transaction(ctx, func(tx *serverstore.Tx) error {
		for i, incoming := range docs {
			m, err := e.mergeIncoming(ctx, tx, userID, incoming)
			if err != nil {
				return fmt.Errorf("syncengine: merge %s: %w", crdt.DocumentIDFor(incoming.EntityType, incoming.EntityID), err)
			}
			merged[i] = m

			version, err := tx.PutDocument(ctx, userID, m, now)
			if err != nil {
				return err
			}
			versions[i] = version

			if m.EntityType == model.EntityReviewLog {
				if err := e.reconcileCard(ctx, tx, userID, m, now); err != nil {
					return fmt.Errorf("syncengine: reconcile card for review %s: %w", m.EntityID, err)
				}
			}
		}

		if err := e.reconcileNoteCards(ctx, tx, userID, merged, now); err != nil {
			return fmt.Errorf("syncengine: reconcile note cards: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (e *Engine) mergeIncoming(ctx context.Context, tx *serverstore.Tx, userID uuid.UUID, incoming crdt.Document) (crdt.Document, error) {
	existing, ok, err := tx.GetDocument(ctx, userID, incoming.EntityType, incoming.EntityID)
	if err != nil {
		return crdt.Document{}, err
	}
	if !ok {
		return incoming, nil
	}
	return crdt.Merge(existing, incoming)
}

// reconcileCard recomputes the Card a pushed ReviewLog belongs to by
// re-running the FSRS scheduler from the server's own pre-review Card
// state. This is what makes push idempotent and order-independent
// across clients: the server never trusts a client-computed Card
// state, only the Rating and the fact that a review happened.
func (e *Engine) reconcileCard(ctx context.Context, tx *serverstore.Tx, userID uuid.UUID, reviewDoc crdt.Document, now time.Time) error {
	review, err := crdt.FromDocumentReviewLog(reviewDoc, model.ReviewLog{Base: model.Base{ID: reviewDoc.EntityID, UserID: userID}})
	if err != nil {
		return err
	}

	cardDoc, ok, err := tx.GetDocument(ctx, userID, model.EntityCard, review.CardID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("card %s not found for review %s", review.CardID, reviewDoc.EntityID)
	}

	card, err := crdt.FromDocumentCard(cardDoc, model.Card{Base: model.Base{ID: review.CardID, UserID: userID}})
	if err != nil {
		return err
	}

	next, _, err := e.Scheduler.Schedule(card, review.Rating, review.ReviewedAt)
	if err != nil {
		return err
	}

	nextDoc, err := crdt.ToDocumentCard(next, crdt.Stamp{Timestamp: now.UnixNano(), ReplicaID: "server"})
	if err != nil {
		return err
	}
	merged, err := crdt.Merge(cardDoc, nextDoc)
	if err != nil {
		return err
	}
	_, err = tx.PutDocument(ctx, userID, merged, now)
	return err
}

// reconcileNoteCards re-derives pushed Notes' card faces with the
// server's own internal/generator run and overwrites any card that
// disagrees, the Note-side counterpart to reconcileCard. A note is
// regenerated only when its field values, its cards, and its note
// type's NoteFieldTypes are all in the same batch; otherwise its
// pushed cards are kept as merged.
func (e *Engine) reconcileNoteCards(ctx context.Context, tx *serverstore.Tx, userID uuid.UUID, batch []crdt.Document, now time.Time) error {
	for _, d := range batch {
		if d.EntityType != model.EntityNote {
			continue
		}
		if err := e.reconcileOneNote(ctx, tx, userID, d, batch, now); err != nil {
			return fmt.Errorf("note %s: %w", d.EntityID, err)
		}
	}
	return nil
}

func (e *Engine) reconcileOneNote(ctx context.Context, tx *serverstore.Tx, userID uuid.UUID, noteDoc crdt.Document, batch []crdt.Document, now time.Time) error {
	note, err := crdt.FromDocumentNote(noteDoc, model.Note{Base: model.Base{ID: noteDoc.EntityID, UserID: userID}})
	if err != nil {
		return err
	}
	if note.IsDeleted() {
		return nil
	}

	noteTypeDoc, ok, err := tx.GetDocument(ctx, userID, model.EntityNoteType, note.NoteTypeID)
	if err != nil {
		return err
	}
	if !ok {
		// The NoteType hasn't reached the server yet (out-of-order
		// batch, or still mid-push on another connection); nothing to
		// regenerate against until it has.
		return nil
	}
	noteType, err := crdt.FromDocumentNoteType(noteTypeDoc, model.NoteType{Base: model.Base{ID: note.NoteTypeID, UserID: userID}})
	if err != nil {
		return err
	}

	fieldNames := map[uuid.UUID]string{}
	for _, d := range batch {
		if d.EntityType != model.EntityNoteFieldType {
			continue
		}
		ft, err := crdt.FromDocumentNoteFieldType(d, model.NoteFieldType{Base: model.Base{ID: d.EntityID, UserID: userID}})
		if err != nil {
			return err
		}
		if ft.NoteTypeID == note.NoteTypeID {
			fieldNames[ft.ID] = ft.Name
		}
	}

	fields := map[string]string{}
	for _, d := range batch {
		if d.EntityType != model.EntityNoteFieldValue {
			continue
		}
		fv, err := crdt.FromDocumentNoteFieldValue(d, model.NoteFieldValue{Base: model.Base{ID: d.EntityID, UserID: userID}})
		if err != nil {
			return err
		}
		if fv.NoteID != note.ID {
			continue
		}
		if name, ok := fieldNames[fv.NoteFieldTypeID]; ok {
			fields[name] = fv.Value
		}
	}
	if len(fields) == 0 {
		// No field value in this batch could be named: either none was
		// pushed alongside this note, or the NoteFieldTypes they point
		// at are not in the batch. Nothing to regenerate from.
		return nil
	}

	var existing []model.Card
	for _, d := range batch {
		if d.EntityType != model.EntityCard {
			continue
		}
		c, err := crdt.FromDocumentCard(d, model.Card{Base: model.Base{ID: d.EntityID, UserID: userID}})
		if err != nil {
			return err
		}
		if c.NoteID == note.ID {
			existing = append(existing, c)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	regenerated := generator.Regenerate(existing, note, noteType, fields, now)
	for _, rc := range regenerated {
		storedDoc, ok, err := tx.GetDocument(ctx, userID, model.EntityCard, rc.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		serverDoc, err := crdt.ToDocumentCard(rc, crdt.Stamp{Timestamp: now.UnixNano(), ReplicaID: "server"})
		if err != nil {
			return err
		}
		agreed, err := crdt.Merge(storedDoc, serverDoc)
		if err != nil {
			return err
		}
		if _, err := tx.PutDocument(ctx, userID, agreed, now); err != nil {
			return err
		}
	}
	return nil
}

// Pull returns the next page of a user's documents after cursor, each
// document's own authoritative syncVersion alongside it.
func (e *Engine) Pull(ctx context.Context, userID uuid.UUID, cursor int64, limit int) ([]crdt.Document, []int64, int64, bool, error) {
	return e.Store.PullPage(ctx, userID, cursor, limit)
}
