// Package generator implements Note/Card generation: a Note expands
// deterministically into one card, or two when its NoteType is
// reversible. Both the client and the server import this package and
// must agree on its output for a given (Note, NoteType, field values)
// triple, since push/pull reconciliation depends on that agreement.
//
// Rendering supports {{FieldName}} substitution rather than a full
// conditional/cloze template language; see DESIGN.md for why cloze
// support was dropped.
package generator

import (
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nsfisis/kioku/internal/model"
)

var fieldTokenRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// sanitizePolicy strips active HTML from rendered card faces: field
// values can contain user-authored markup, but the generator is the
// last place that content passes through before becoming a stored,
// synced Card.
var sanitizePolicy = bluemonday.UGCPolicy()

// Render substitutes {{FieldName}} placeholders in tmpl using fields,
// then sanitizes the result.
func Render(tmpl string, fields map[string]string) string {
	out := fieldTokenRe.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := fieldTokenRe.FindStringSubmatch(token)
		if len(m) != 2 {
			return token
		}
		key := strings.TrimSpace(m[1])
		return fields[key]
	})
	return sanitizePolicy.Sanitize(out)
}

// Generate produces the cards for a newly created note. It always
// returns a normal-facing card; if noteType.IsReversible it also
// returns a reversed-facing card with front/back swapped. Both share
// note.DeckID, receive fresh ids, and start New with Due = now.
func Generate(note model.Note, noteType model.NoteType, fields map[string]string, now time.Time) []model.Card {
	front := Render(noteType.FrontTemplate, fields)
	back := Render(noteType.BackTemplate, fields)

	normal := newCard(note, front, back, false, now)
	if !noteType.IsReversible {
		return []model.Card{normal}
	}

	reversedFront := Render(noteType.BackTemplate, fields)
	reversedBack := Render(noteType.FrontTemplate, fields)
	reversed := newCard(note, reversedFront, reversedBack, true, now)
	return []model.Card{normal, reversed}
}

func newCard(note model.Note, front, back string, isReversed bool, now time.Time) model.Card {
	return model.Card{
		Base: model.Base{
			ID:        model.NewID(),
			UserID:    note.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		NoteID:     note.ID,
		DeckID:     note.DeckID,
		IsReversed: isReversed,
		Front:      front,
		Back:       back,
		State:      model.StateNew,
		Due:        now,
	}
}

// Regenerate recomputes front/back for a note's existing cards after
// an edit. Scheduling state (id, due, stability, difficulty, reps,
// lapses) is preserved exactly; only the derived text fields change.
// If noteType.IsReversible flips
// from false to true, a new reversed card is appended; if it flips
// from true to false, the existing reversed card is soft-deleted
// rather than hard-removed, so it still propagates through sync.
func Regenerate(existing []model.Card, note model.Note, noteType model.NoteType, fields map[string]string, now time.Time) []model.Card {
	front := Render(noteType.FrontTemplate, fields)
	back := Render(noteType.BackTemplate, fields)
	reversedFront := Render(noteType.BackTemplate, fields)
	reversedBack := Render(noteType.FrontTemplate, fields)

	var normal, reversed *model.Card
	for i := range existing {
		c := &existing[i]
		if c.IsReversed {
			reversed = c
		} else {
			normal = c
		}
	}

	out := make([]model.Card, 0, 2)

	if normal != nil {
		normal.Front, normal.Back, normal.UpdatedAt = front, back, now
		out = append(out, *normal)
	} else {
		out = append(out, newCard(note, front, back, false, now))
	}

	switch {
	case noteType.IsReversible && reversed != nil:
		reversed.Front, reversed.Back, reversed.UpdatedAt = reversedFront, reversedBack, now
		out = append(out, *reversed)
	case noteType.IsReversible && reversed == nil:
		out = append(out, newCard(note, reversedFront, reversedBack, true, now))
	case !noteType.IsReversible && reversed != nil:
		deletedAt := now
		reversed.DeletedAt = &deletedAt
		reversed.UpdatedAt = now
		out = append(out, *reversed)
	}

	return out
}

// DeleteNoteCards soft-deletes every card generated from a note.
func DeleteNoteCards(cards []model.Card, now time.Time) []model.Card {
	out := make([]model.Card, len(cards))
	for i, c := range cards {
		deletedAt := now
		c.DeletedAt = &deletedAt
		c.UpdatedAt = now
		out[i] = c
	}
	return out
}
