package pushpull

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/localstore"
	"github.com/nsfisis/kioku/internal/model"
	"github.com/nsfisis/kioku/internal/transport"
)

// Puller walks the server's change feed by cursor and merges each
// page into the local replica. It never synthesizes cards locally:
// every Card document it installs came from the server, which alone
// runs the generator and the FSRS scheduler during reconciliation.
type Puller struct {
	Store     *localstore.Store
	Transport transport.Transport
	PageSize  int

	// UserID is the signed-in local account. A replica only ever
	// holds one user's data, so pulled rows are stamped with it
	// directly rather than round-tripping userId through every CRDT
	// document (identity fields don't participate in LWW merge).
	UserID uuid.UUID
}

// PullOnce fetches and merges one page starting at the replica's
// persisted cursor, returning the count of documents in the page
// (including any skipped because the local copy is dirty) and whether
// more pages remain.
func (p *Puller) PullOnce(ctx context.Context) (int, bool, error) {
	cursor, err := p.Store.PullCursor()
	if err != nil {
		return 0, false, fmt.Errorf("pushpull: read pull cursor: %w", err)
	}

	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	resp, err := p.Transport.Pull(ctx, transport.PullRequest{Cursor: cursor, Limit: pageSize})
	if err != nil {
		return 0, false, fmt.Errorf("pushpull: pull page: %w", err)
	}

	for i, remoteDoc := range resp.Documents {
		var serverVersion int64
		if i < len(resp.SyncVersions) {
			serverVersion = resp.SyncVersions[i]
		}
		if err := p.mergeOne(remoteDoc, serverVersion); err != nil {
			return 0, false, err
		}
	}

	if err := p.Store.SetPullCursor(resp.NextCursor); err != nil {
		return 0, false, fmt.Errorf("pushpull: persist pull cursor: %w", err)
	}

	return len(resp.Documents), resp.HasMore, nil
}

// mergeOne merges one server document into the local replica,
// installing it verbatim if the entity is unknown locally, via
// crdt.Merge against the existing local document if that row is
// clean, and leaving the local row untouched if it is dirty. The
// stored row always carries serverVersion, the authoritative
// syncVersion for this document, never the local row's prior (often
// 0, for a newly-installed row) syncVersion.
func (p *Puller) mergeOne(remoteDoc crdt.Document, serverVersion int64) error {
	local, ok, err := p.Store.Get(remoteDoc.EntityType, remoteDoc.EntityID)
	if err != nil {
		return fmt.Errorf("pushpull: load local row for %s: %w", crdt.DocumentIDFor(remoteDoc.EntityType, remoteDoc.EntityID), err)
	}

	merged := remoteDoc
	if ok && !local.Dirty {
		localDoc, err := crdt.Decode(local.Doc)
		if err != nil {
			return fmt.Errorf("pushpull: decode local document: %w", err)
		}
		merged, err = crdt.Merge(localDoc, remoteDoc)
		if err != nil {
			return fmt.Errorf("pushpull: merge document: %w", err)
		}
	} else if ok && local.Dirty {
		// A locally queued, not-yet-pushed edit outranks an incoming
		// pull until the push round-trip resolves it, avoiding a
		// silent overwrite of an in-flight local change.
		return nil
	}

	encoded, err := crdt.Encode(merged)
	if err != nil {
		return fmt.Errorf("pushpull: encode merged document: %w", err)
	}

	row := localstore.Row{
		EntityType:  merged.EntityType,
		ID:          merged.EntityID,
		UserID:      p.UserID,
		DeckID:      fieldUUID(merged, "deckId"),
		NoteID:      fieldUUID(merged, "noteId"),
		Due:         fieldTime(merged, "due"),
		State:       fieldCardState(merged, "state"),
		UpdatedAt:   latestStamp(merged),
		DeletedAt:   tombstoneTime(merged),
		SyncVersion: serverVersion,
		Dirty:       false,
		Doc:         encoded,
	}

	return p.Store.Put(row)
}

func fieldCardState(doc crdt.Document, name string) model.CardState {
	f, ok := doc.Fields[name]
	if !ok {
		return model.StateNew
	}
	var s model.CardState
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return model.StateNew
	}
	return s
}

func fieldUUID(doc crdt.Document, name string) *uuid.UUID {
	f, ok := doc.Fields[name]
	if !ok {
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(f.Value, &id); err != nil {
		return nil
	}
	return &id
}

func fieldTime(doc crdt.Document, name string) *time.Time {
	f, ok := doc.Fields[name]
	if !ok {
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(f.Value, &t); err != nil {
		return nil
	}
	return &t
}

func tombstoneTime(doc crdt.Document) *time.Time {
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

func latestStamp(doc crdt.Document) time.Time {
	var latest time.Time
	for _, f := range doc.Fields {
		t := time.Unix(0, f.Stamp.Timestamp).UTC()
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
