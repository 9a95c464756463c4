package crdt

import (
	"encoding/json"
	"time"

	"github.com/nsfisis/kioku/internal/model"
)

func stampBase(base model.Base, stamp Stamp) Stamp {
	if stamp.Timestamp == 0 {
		stamp.Timestamp = base.UpdatedAt.UnixNano()
	}
	return stamp
}

func applyTombstone(doc *Document, base model.Base, stamp Stamp) {
	if base.DeletedAt == nil {
		return
	}
	setTombstone(doc, base.DeletedAt.UnixNano(), stamp)
}

func materializeTombstone(doc Document) *time.Time {
	if doc.Tombstone == nil {
		return nil
	}
	var nanos int64
	if err := json.Unmarshal(doc.Tombstone.Value, &nanos); err != nil {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}

// ToDocumentDeck encodes a Deck's mutable fields: Name and the
// tombstone. syncVersion is intentionally excluded; it is a
// server-assigned scan position, not a mergeable field.
func ToDocumentDeck(d model.Deck, stamp Stamp) (Document, error) {
	stamp = stampBase(d.Base, stamp)
	doc := Document{EntityType: model.EntityDeck, EntityID: d.ID}
	if err := setField(&doc, "name", d.Name, stamp); err != nil {
		return Document{}, err
	}
	applyTombstone(&doc, d.Base, stamp)
	return doc, nil
}

// FromDocumentDeck materializes the mutable fields of a Deck from its
// document. The caller is responsible for filling in immutable
// identity fields (ID, UserID, CreatedAt) from the local row.
func FromDocumentDeck(doc Document, into model.Deck) (model.Deck, error) {
	if _, err := getField(doc, "name", &into.Name); err != nil {
		return model.Deck{}, err
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentNoteFieldType encodes a NoteFieldType's fields.
func ToDocumentNoteFieldType(f model.NoteFieldType, stamp Stamp) (Document, error) {
	stamp = stampBase(f.Base, stamp)
	doc := Document{EntityType: model.EntityNoteFieldType, EntityID: f.ID}
	for name, v := range map[string]any{
		"noteTypeId": f.NoteTypeID,
		"name":       f.Name,
		"order":      f.Order,
	} {
		if err := setField(&doc, name, v, stamp); err != nil {
			return Document{}, err
		}
	}
	applyTombstone(&doc, f.Base, stamp)
	return doc, nil
}

// FromDocumentNoteFieldType materializes a NoteFieldType's fields.
func FromDocumentNoteFieldType(doc Document, into model.NoteFieldType) (model.NoteFieldType, error) {
	for name, dst := range map[string]any{
		"noteTypeId": &into.NoteTypeID,
		"name":       &into.Name,
		"order":      &into.Order,
	} {
		if _, err := getField(doc, name, dst); err != nil {
			return model.NoteFieldType{}, err
		}
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentNoteType encodes a NoteType's mutable fields.
func ToDocumentNoteType(nt model.NoteType, stamp Stamp) (Document, error) {
	stamp = stampBase(nt.Base, stamp)
	doc := Document{EntityType: model.EntityNoteType, EntityID: nt.ID}
	for name, v := range map[string]any{
		"name":           nt.Name,
		"frontTemplate":  nt.FrontTemplate,
		"backTemplate":   nt.BackTemplate,
		"isReversible":   nt.IsReversible,
		"sortFieldIndex": nt.SortFieldIndex,
	} {
		if err := setField(&doc, name, v, stamp); err != nil {
			return Document{}, err
		}
	}
	applyTombstone(&doc, nt.Base, stamp)
	return doc, nil
}

// FromDocumentNoteType materializes a NoteType's mutable fields.
func FromDocumentNoteType(doc Document, into model.NoteType) (model.NoteType, error) {
	for name, dst := range map[string]any{
		"name":           &into.Name,
		"frontTemplate":  &into.FrontTemplate,
		"backTemplate":   &into.BackTemplate,
		"isReversible":   &into.IsReversible,
		"sortFieldIndex": &into.SortFieldIndex,
	} {
		if _, err := getField(doc, name, dst); err != nil {
			return model.NoteType{}, err
		}
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentNote encodes a Note's mutable fields: its parent
// references (deck/note type may move) plus the tombstone.
func ToDocumentNote(n model.Note, stamp Stamp) (Document, error) {
	stamp = stampBase(n.Base, stamp)
	doc := Document{EntityType: model.EntityNote, EntityID: n.ID}
	if err := setField(&doc, "deckId", n.DeckID, stamp); err != nil {
		return Document{}, err
	}
	if err := setField(&doc, "noteTypeId", n.NoteTypeID, stamp); err != nil {
		return Document{}, err
	}
	applyTombstone(&doc, n.Base, stamp)
	return doc, nil
}

// FromDocumentNote materializes a Note's mutable fields.
func FromDocumentNote(doc Document, into model.Note) (model.Note, error) {
	if _, err := getField(doc, "deckId", &into.DeckID); err != nil {
		return model.Note{}, err
	}
	if _, err := getField(doc, "noteTypeId", &into.NoteTypeID); err != nil {
		return model.Note{}, err
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentNoteFieldValue encodes a NoteFieldValue's Value field,
// which is LWW.
func ToDocumentNoteFieldValue(v model.NoteFieldValue, stamp Stamp) (Document, error) {
	stamp = stampBase(v.Base, stamp)
	doc := Document{EntityType: model.EntityNoteFieldValue, EntityID: v.ID}
	for name, val := range map[string]any{
		"noteId":          v.NoteID,
		"noteFieldTypeId": v.NoteFieldTypeID,
		"value":           v.Value,
	} {
		if err := setField(&doc, name, val, stamp); err != nil {
			return Document{}, err
		}
	}
	applyTombstone(&doc, v.Base, stamp)
	return doc, nil
}

// FromDocumentNoteFieldValue materializes a NoteFieldValue's fields.
func FromDocumentNoteFieldValue(doc Document, into model.NoteFieldValue) (model.NoteFieldValue, error) {
	for name, dst := range map[string]any{
		"noteId":          &into.NoteID,
		"noteFieldTypeId": &into.NoteFieldTypeID,
		"value":           &into.Value,
	} {
		if _, err := getField(doc, name, dst); err != nil {
			return model.NoteFieldValue{}, err
		}
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentCard encodes a Card's mutable fields: the derived text
// plus every FSRS scheduling attribute, all LWW.
func ToDocumentCard(c model.Card, stamp Stamp) (Document, error) {
	stamp = stampBase(c.Base, stamp)
	doc := Document{EntityType: model.EntityCard, EntityID: c.ID}
	fields := map[string]any{
		"noteId":        c.NoteID,
		"deckId":        c.DeckID,
		"isReversed":    c.IsReversed,
		"front":         c.Front,
		"back":          c.Back,
		"state":         c.State,
		"due":           c.Due,
		"stability":     c.Stability,
		"difficulty":    c.Difficulty,
		"elapsedDays":   c.ElapsedDays,
		"scheduledDays": c.ScheduledDays,
		"reps":          c.Reps,
		"lapses":        c.Lapses,
	}
	if c.LastReview != nil {
		fields["lastReview"] = *c.LastReview
	}
	for name, v := range fields {
		if err := setField(&doc, name, v, stamp); err != nil {
			return Document{}, err
		}
	}
	applyTombstone(&doc, c.Base, stamp)
	return doc, nil
}

// FromDocumentCard materializes a Card's mutable fields.
func FromDocumentCard(doc Document, into model.Card) (model.Card, error) {
	dst := map[string]any{
		"noteId":        &into.NoteID,
		"deckId":        &into.DeckID,
		"isReversed":    &into.IsReversed,
		"front":         &into.Front,
		"back":          &into.Back,
		"state":         &into.State,
		"due":           &into.Due,
		"stability":     &into.Stability,
		"difficulty":    &into.Difficulty,
		"elapsedDays":   &into.ElapsedDays,
		"scheduledDays": &into.ScheduledDays,
		"reps":          &into.Reps,
		"lapses":        &into.Lapses,
	}
	for name, d := range dst {
		if _, err := getField(doc, name, d); err != nil {
			return model.Card{}, err
		}
	}
	var lastReview time.Time
	if ok, err := getField(doc, "lastReview", &lastReview); err != nil {
		return model.Card{}, err
	} else if ok {
		into.LastReview = &lastReview
	}
	into.DeletedAt = materializeTombstone(doc)
	return into, nil
}

// ToDocumentReviewLog encodes a ReviewLog. ReviewLogs are immutable
// after creation, so there is nothing to LWW; the document exists
// purely so ReviewLogs travel through the same push/pull machinery as
// every other entity. Merge of two ReviewLog documents for the same
// id is always a no-op union.
func ToDocumentReviewLog(r model.ReviewLog, stamp Stamp) (Document, error) {
	stamp = stampBase(r.Base, stamp)
	doc := Document{EntityType: model.EntityReviewLog, EntityID: r.ID}
	fields := map[string]any{
		"cardId":      r.CardID,
		"rating":      r.Rating,
		"state":       r.State,
		"due":         r.Due,
		"stability":   r.Stability,
		"difficulty":  r.Difficulty,
		"elapsedDays": r.ElapsedDays,
		"reviewedAt":  r.ReviewedAt,
		"durationMs":  r.DurationMs,
	}
	for name, v := range fields {
		if err := setField(&doc, name, v, stamp); err != nil {
			return Document{}, err
		}
	}
	return doc, nil
}

// FromDocumentReviewLog materializes a ReviewLog.
func FromDocumentReviewLog(doc Document, into model.ReviewLog) (model.ReviewLog, error) {
	dst := map[string]any{
		"cardId":      &into.CardID,
		"rating":      &into.Rating,
		"state":       &into.State,
		"due":         &into.Due,
		"stability":   &into.Stability,
		"difficulty":  &into.Difficulty,
		"elapsedDays": &into.ElapsedDays,
		"reviewedAt":  &into.ReviewedAt,
		"durationMs":  &into.DurationMs,
	}
	for name, d := range dst {
		if _, err := getField(doc, name, d); err != nil {
			return model.ReviewLog{}, err
		}
	}
	return into, nil
}
