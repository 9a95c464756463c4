// Package pushpull implements the client's Push and Pull Services:
// Pusher drains the sync queue in parent-first order and ships CRDT
// documents to the server; Puller walks the server's change feed by
// cursor and merges each incoming document into the local replica.
package pushpull

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/localstore"
	"github.com/nsfisis/kioku/internal/model"
	"github.com/nsfisis/kioku/internal/syncqueue"
	"github.com/nsfisis/kioku/internal/transport"
)

// entityOrder ranks model.PushOrder for sorting a mixed batch so
// parents always precede their children in one push request.
var entityOrder = func() map[model.EntityType]int {
	m := make(map[model.EntityType]int, len(model.PushOrder))
	for i, et := range model.PushOrder {
		m[et] = i
	}
	return m
}()

// Pusher drains the sync queue and ships dirty rows to the server.
type Pusher struct {
	Store     *localstore.Store
	Queue     *syncqueue.Queue
	Transport transport.Transport
	BatchSize int
}

// PushOnce sends up to p.BatchSize pending changes in one batch and
// reports how many were successfully acknowledged. It is the unit of
// work the Sync Manager drives on each tick.
func (p *Pusher) PushOnce(ctx context.Context, now time.Time) (int, error) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	pending, err := p.Queue.PendingChanges(batchSize)
	if err != nil {
		return 0, fmt.Errorf("pushpull: list pending changes: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := p.Queue.MarkInFlight(pending, now); err != nil {
		return 0, fmt.Errorf("pushpull: mark in flight: %w", err)
	}

	docs := make([]crdt.Document, 0, len(pending))
	rowsByKey := make(map[string]localstore.Row, len(pending))
	for _, change := range pending {
		row, ok, err := p.Store.Get(change.EntityType, change.EntityID)
		if err != nil {
			return 0, fmt.Errorf("pushpull: load row %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		if !ok {
			// Row was purged locally after being queued; nothing to push.
			if err := p.Queue.MarkSynced(change.EntityType, change.EntityID); err != nil {
				return 0, err
			}
			continue
		}
		doc, err := crdt.Decode(row.Doc)
		if err != nil {
			return 0, fmt.Errorf("pushpull: decode document %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		docs = append(docs, doc)
		rowsByKey[crdt.DocumentIDFor(row.EntityType, row.ID)] = row
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return entityOrder[docs[i].EntityType] < entityOrder[docs[j].EntityType]
	})

	if len(docs) == 0 {
		return 0, nil
	}

	resp, err := p.Transport.Push(ctx, transport.PushRequest{Documents: docs})
	if err != nil {
		for _, change := range pending {
			_ = p.Queue.MarkFailed(change.EntityType, change.EntityID, err, now)
		}
		return 0, fmt.Errorf("pushpull: push batch: %w", err)
	}
	if len(resp.SyncVersions) != len(docs) {
		return 0, fmt.Errorf("pushpull: server acknowledged %d documents, expected %d", len(resp.SyncVersions), len(docs))
	}

	acked := 0
	for i, doc := range docs {
		key := crdt.DocumentIDFor(doc.EntityType, doc.EntityID)
		row, ok := rowsByKey[key]
		if !ok {
			continue
		}
		row.SyncVersion = resp.SyncVersions[i]
		row.Dirty = false
		if err := p.Store.Put(row); err != nil {
			return acked, fmt.Errorf("pushpull: persist ack for %s: %w", key, err)
		}
		if err := p.Queue.MarkSynced(doc.EntityType, doc.EntityID); err != nil {
			return acked, fmt.Errorf("pushpull: mark synced for %s: %w", key, err)
		}
		acked++
	}

	return acked, nil
}
