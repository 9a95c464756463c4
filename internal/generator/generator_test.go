package generator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nsfisis/kioku/internal/model"
)

func baseNote() model.Note {
	return model.Note{
		Base:   model.Base{ID: model.NewID(), UserID: uuid.New()},
		DeckID: model.NewID(),
	}
}

// TestGenerateReversibleNote checks that a reversible note type
// produces a front-to-back card and a back-to-front card.
func TestGenerateReversibleNote(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	note := baseNote()
	nt := model.NoteType{
		FrontTemplate: "{{Front}}",
		BackTemplate:  "{{Back}}",
		IsReversible:  true,
	}
	fields := map[string]string{"Front": "hello", "Back": "world"}

	cards := Generate(note, nt, fields, now)
	require.Len(t, cards, 2)

	require.False(t, cards[0].IsReversed)
	require.Equal(t, "hello", cards[0].Front)
	require.Equal(t, "world", cards[0].Back)

	require.True(t, cards[1].IsReversed)
	require.Equal(t, "world", cards[1].Front)
	require.Equal(t, "hello", cards[1].Back)

	for _, c := range cards {
		require.Equal(t, model.StateNew, c.State)
		require.Equal(t, now, c.Due)
		require.Equal(t, note.DeckID, c.DeckID)
		require.Equal(t, note.ID, c.NoteID)
	}
}

// TestGenerateNonReversibleNote checks the isReversible=false branch
// produces a single card.
func TestGenerateNonReversibleNote(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	note := baseNote()
	nt := model.NoteType{FrontTemplate: "{{Front}}", BackTemplate: "{{Back}}"}
	fields := map[string]string{"Front": "q", "Back": "a"}

	cards := Generate(note, nt, fields, now)
	require.Len(t, cards, 1)
	require.False(t, cards[0].IsReversed)
}

func TestRenderSanitizesHTML(t *testing.T) {
	out := Render("{{Front}}", map[string]string{"Front": "<script>alert(1)</script>hi"})
	require.NotContains(t, out, "<script>")
	require.Contains(t, out, "hi")
}

// TestRegeneratePreservesSchedulingState checks that regenerating a
// note's cards preserves each card's id and scheduling state; only
// front/back are recomputed.
func TestRegeneratePreservesSchedulingState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	note := baseNote()
	nt := model.NoteType{FrontTemplate: "{{Front}}", BackTemplate: "{{Back}}"}

	original := Generate(note, nt, map[string]string{"Front": "old", "Back": "a"}, now)
	original[0].State = model.StateReview
	original[0].Stability = 12.5
	original[0].Reps = 3

	later := now.Add(24 * time.Hour)
	updated := Regenerate(original, note, nt, map[string]string{"Front": "new", "Back": "a"}, later)

	require.Len(t, updated, 1)
	require.Equal(t, original[0].ID, updated[0].ID)
	require.Equal(t, "new", updated[0].Front)
	require.Equal(t, model.StateReview, updated[0].State)
	require.Equal(t, 12.5, updated[0].Stability)
	require.Equal(t, 3, updated[0].Reps)
}

// TestRegenerateDroppingReversibleSoftDeletes covers the reversed-card
// removal path: flipping a NoteType from reversible to non-reversible
// soft-deletes the reversed card instead of destroying it, preserving
// its sync history.
func TestRegenerateDroppingReversibleSoftDeletes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	note := baseNote()
	reversibleNT := model.NoteType{FrontTemplate: "{{Front}}", BackTemplate: "{{Back}}", IsReversible: true}
	fields := map[string]string{"Front": "q", "Back": "a"}

	cards := Generate(note, reversibleNT, fields, now)
	require.Len(t, cards, 2)

	nonReversibleNT := reversibleNT
	nonReversibleNT.IsReversible = false
	updated := Regenerate(cards, note, nonReversibleNT, fields, now.Add(time.Hour))

	require.Len(t, updated, 2)
	var reversed model.Card
	for _, c := range updated {
		if c.IsReversed {
			reversed = c
		}
	}
	require.NotNil(t, reversed.DeletedAt)
}

// TestDeleteNoteCardsSoftDeletesAll covers "Deleting a note
// soft-deletes all cards generated from it."
func TestDeleteNoteCardsSoftDeletesAll(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	note := baseNote()
	nt := model.NoteType{FrontTemplate: "{{Front}}", BackTemplate: "{{Back}}", IsReversible: true}
	cards := Generate(note, nt, map[string]string{"Front": "q", "Back": "a"}, now)

	deleted := DeleteNoteCards(cards, now.Add(time.Minute))
	for _, c := range deleted {
		require.NotNil(t, c.DeletedAt)
	}
}
