// Package syncqueue implements the durable record of which local
// writes still need to reach the server. It tracks one row per dirty
// (entityType, entityId) pair through pending -> inFlight; a
// successful push removes the row, and a failed push returns it to
// pending with its attempt count raised. It keeps its table in the
// same SQLite file the Local Store (internal/localstore) already
// opened.
package syncqueue

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsfisis/kioku/internal/model"
)

// Status is a queue entry's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "inFlight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// Change is one queued local mutation awaiting push.
type Change struct {
	EntityType model.EntityType
	EntityID   uuid.UUID
	Status     Status
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// Queue is the durable pending-change tracker.
type Queue struct {
	db *sql.DB

	mu          sync.Mutex
	subscribers []chan Snapshot
}

// Snapshot is what subscribers receive on every state transition: a
// cheap summary rather than the full change list.
type Snapshot struct {
	PendingCount  int
	InFlightCount int
	FailedCount   int
}

// Open attaches a Queue to db, creating its table if absent. db is
// expected to be the same connection a localstore.Store already
// migrated (call Queue.Open(store.DB())).
func Open(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT,
			enqueued_at INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	`)
	if err != nil {
		return fmt.Errorf("syncqueue: create schema: %w", err)
	}
	return nil
}

// Enqueue marks (entityType, entityId) pending; a new entry starts at
// zero attempts. Re-enqueuing an entry already pending or inFlight is a no-op
// on attempts; the row simply moves back to pending with a fresh
// timestamp so it is pushed with the latest local state.
func (q *Queue) Enqueue(entityType model.EntityType, entityID uuid.UUID, now time.Time) error {
	_, err := q.db.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, status, attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			status = ?, updated_at = ?
	`, string(entityType), entityID.String(), string(StatusPending), now.UnixNano(), now.UnixNano(),
		string(StatusPending), now.UnixNano())
	if err != nil {
		return fmt.Errorf("syncqueue: enqueue: %w", err)
	}
	q.notify()
	return nil
}

// PendingChanges returns up to limit pending entries, oldest first —
// the batch the Push Service (internal/pushpull) sends next.
func (q *Queue) PendingChanges(limit int) ([]Change, error) {
	return q.listByStatus(StatusPending, limit)
}

func (q *Queue) listByStatus(status Status, limit int) ([]Change, error) {
	rows, err := q.db.Query(`
		SELECT entity_type, entity_id, status, attempts, last_error, enqueued_at, updated_at
		FROM sync_queue WHERE status = ? ORDER BY enqueued_at LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChange(rows *sql.Rows) (Change, error) {
	var c Change
	var entityType, entityID, status string
	var lastError sql.NullString
	var enqueuedAt, updatedAt int64

	if err := rows.Scan(&entityType, &entityID, &status, &c.Attempts, &lastError, &enqueuedAt, &updatedAt); err != nil {
		return Change{}, err
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return Change{}, fmt.Errorf("syncqueue: parse entity_id: %w", err)
	}
	c.EntityType = model.EntityType(entityType)
	c.EntityID = id
	c.Status = Status(status)
	c.LastError = lastError.String
	c.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return c, nil
}

// MarkInFlight transitions a batch of entries to inFlight in one
// transaction. It updates every listed entry whatever its current
// status, so on its own it does not stop two concurrent push attempts
// from claiming the same row.
func (q *Queue) MarkInFlight(entries []Change, now time.Time) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	for _, c := range entries {
		if _, err := tx.Exec(`UPDATE sync_queue SET status = ?, updated_at = ? WHERE entity_type = ? AND entity_id = ?`,
			string(StatusInFlight), now.UnixNano(), string(c.EntityType), c.EntityID.String()); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	q.notify()
	return nil
}

// MarkSynced removes a successfully pushed entry from the queue.
// There is nothing left to retry once the server has acknowledged it.
func (q *Queue) MarkSynced(entityType model.EntityType, entityID uuid.UUID) error {
	_, err := q.db.Exec(`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID.String())
	if err != nil {
		return fmt.Errorf("syncqueue: mark synced: %w", err)
	}
	q.notify()
	return nil
}

// MarkFailed records a push failure and returns the entry to pending
// so the next sync tick retries it.
func (q *Queue) MarkFailed(entityType model.EntityType, entityID uuid.UUID, cause error, now time.Time) error {
	_, err := q.db.Exec(`
		UPDATE sync_queue SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, string(StatusPending), cause.Error(), now.UnixNano(), string(entityType), entityID.String())
	if err != nil {
		return fmt.Errorf("syncqueue: mark failed: %w", err)
	}
	q.notify()
	return nil
}

// HasPending reports whether any entry is pending or inFlight.
func (q *Queue) HasPending() (bool, error) {
	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusInFlight)).Scan(&count)
	return count > 0, err
}

// PendingCount returns the current Snapshot, the same summary the
// Subscribe channel carries.
func (q *Queue) PendingCount() (Snapshot, error) {
	return q.snapshot()
}

func (q *Queue) snapshot() (Snapshot, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Snapshot{}, err
		}
		switch Status(status) {
		case StatusPending:
			snap.PendingCount = count
		case StatusInFlight:
			snap.InFlightCount = count
		case StatusFailed:
			snap.FailedCount = count
		}
	}
	return snap, rows.Err()
}

// Subscribe returns a channel that receives a Snapshot after every
// state transition. The channel is buffered; a slow subscriber misses
// intermediate snapshots rather than blocking the queue.
func (q *Queue) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	q.mu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) notify() {
	snap, err := q.snapshot()
	if err != nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}
