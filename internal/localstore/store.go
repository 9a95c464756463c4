// Package localstore implements the client Local Store: the durable
// on-device replica every other client component reads from and
// writes to. It is a database/sql handle over mattn/go-sqlite3, with
// one generic entities table keyed by (entityType, id) rather than a
// table per entity kind, since the CRDT layer (internal/crdt) already
// reduces every entity to a documentable JSON blob plus a handful of
// indexed scan columns.
package localstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nsfisis/kioku/internal/model"
)

// Row is one persisted entity: its CRDT document plus the columns the
// store indexes on for its scans. State is meaningful only for cards;
// every other entity type persists it as StateNew and ignores it.
type Row struct {
	EntityType  model.EntityType
	ID          uuid.UUID
	UserID      uuid.UUID
	DeckID      *uuid.UUID
	NoteID      *uuid.UUID
	Due         *time.Time
	State       model.CardState
	UpdatedAt   time.Time
	DeletedAt   *time.Time
	SyncVersion int64
	Dirty       bool
	Doc         json.RawMessage
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting Store's
// methods run unmodified inside or outside a Transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the client's local SQLite replica.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the local replica at path and
// runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("localstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so sibling packages (the sync
// queue) can keep their own tables in the same SQLite file rather
// than opening a second connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx is a Store bound to an in-flight transaction.
type Tx struct {
	q querier
}

// Transaction runs fn inside a SQL transaction, committing on success
// and rolling back on error or panic. Only writes made through the
// *Tx join the transaction; internal/syncqueue's Enqueue runs on the
// *sql.DB directly and is not part of it.
func (s *Store) Transaction(fn func(*Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit tx: %w", err)
	}
	return nil
}

// Put upserts an entity row. When called through Transaction, pass
// the *Tx; otherwise use Store.Put.
func (s *Store) Put(row Row) error { return put(s.db, row) }
func (t *Tx) Put(row Row) error    { return put(t.q, row) }

func put(q querier, row Row) error {
	var deckID, noteID any
	if row.DeckID != nil {
		deckID = row.DeckID.String()
	}
	if row.NoteID != nil {
		noteID = row.NoteID.String()
	}
	var due any
	if row.Due != nil {
		due = row.Due.UnixNano()
	}
	var deletedAt any
	if row.DeletedAt != nil {
		deletedAt = row.DeletedAt.UnixNano()
	}

	_, err := q.Exec(`
		INSERT INTO entities (entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			user_id = excluded.user_id,
			deck_id = excluded.deck_id,
			note_id = excluded.note_id,
			due = excluded.due,
			state = excluded.state,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			sync_version = excluded.sync_version,
			dirty = excluded.dirty,
			doc = excluded.doc
	`,
		string(row.EntityType), row.ID.String(), row.UserID.String(), deckID, noteID, due, int(row.State),
		row.UpdatedAt.UnixNano(), deletedAt, row.SyncVersion, boolToInt(row.Dirty), string(row.Doc))
	return err
}

// Delete hard-removes a row from the local replica. Soft-delete
// (tombstoning for sync) goes through Put with DeletedAt set instead;
// Delete is for purging rows the sync engine has confirmed are no
// longer needed locally.
func (s *Store) Delete(entityType model.EntityType, id uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(entityType), id.String())
	return err
}

// Get fetches a single entity row.
func (s *Store) Get(entityType model.EntityType, id uuid.UUID) (Row, bool, error) {
	row := s.db.QueryRow(`
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM entities WHERE entity_type = ? AND id = ?
	`, string(entityType), id.String())
	return scanRow(row)
}

// FindByDeckID returns every non-deleted row of entityType belonging
// to deckID, e.g. a deck's notes or cards.
func (s *Store) FindByDeckID(entityType model.EntityType, deckID uuid.UUID) ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM entities WHERE entity_type = ? AND deck_id = ? AND deleted_at IS NULL
	`, string(entityType), deckID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// FindByNoteID returns every non-deleted row of entityType belonging
// to noteID, e.g. the cards or field values generated from a note.
func (s *Store) FindByNoteID(entityType model.EntityType, noteID uuid.UUID) ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM entities WHERE entity_type = ? AND note_id = ? AND deleted_at IS NULL
	`, string(entityType), noteID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// FindDue returns the study queue for deckID as of asOf: every
// non-deleted card already in learning/review/relearning (state != 0)
// that is due, plus at most newPerDay cards still in the new state
// (state = 0), regardless of due date. The combined result is ordered
// by due ascending, then id, so ties resolve deterministically between
// client and server.
func (s *Store) FindDue(deckID uuid.UUID, asOf time.Time, newPerDay int) ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM entities
		WHERE entity_type = ? AND deck_id = ? AND deleted_at IS NULL AND state != 0 AND due <= ?
		UNION ALL
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM (
			SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
			FROM entities
			WHERE entity_type = ? AND deck_id = ? AND deleted_at IS NULL AND state = 0
			ORDER BY due, id
			LIMIT ?
		)
		ORDER BY due, id
	`, string(model.EntityCard), deckID.String(), asOf.UnixNano(),
		string(model.EntityCard), deckID.String(), newPerDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// FindDirty returns every row across all entity types flagged dirty,
// in update order, capped at limit. Push batches are built from
// internal/syncqueue's PendingChanges, not from this scan.
func (s *Store) FindDirty(limit int) ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, id, user_id, deck_id, note_id, due, state, updated_at, deleted_at, sync_version, dirty, doc
		FROM entities WHERE dirty != 0 ORDER BY updated_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// ClearDirty marks a row as synced, stamping the syncVersion the
// server assigned it.
func (s *Store) ClearDirty(entityType model.EntityType, id uuid.UUID, syncVersion int64) error {
	_, err := s.db.Exec(`UPDATE entities SET dirty = 0, sync_version = ? WHERE entity_type = ? AND id = ?`,
		syncVersion, string(entityType), id.String())
	return err
}

func scanRow(row *sql.Row) (Row, bool, error) {
	var r Row
	var entityType, id, userID string
	var deckID, noteID sql.NullString
	var due, deletedAt sql.NullInt64
	var state int
	var updatedAt int64
	var doc string

	err := row.Scan(&entityType, &id, &userID, &deckID, &noteID, &due, &state, &updatedAt, &deletedAt, &r.SyncVersion, &r.Dirty, &doc)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	if err := fillRow(&r, entityType, id, userID, deckID, noteID, due, state, updatedAt, deletedAt, doc); err != nil {
		return Row{}, false, err
	}
	return r, true, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var entityType, id, userID string
		var deckID, noteID sql.NullString
		var due, deletedAt sql.NullInt64
		var state int
		var updatedAt int64
		var doc string

		if err := rows.Scan(&entityType, &id, &userID, &deckID, &noteID, &due, &state, &updatedAt, &deletedAt, &r.SyncVersion, &r.Dirty, &doc); err != nil {
			return nil, err
		}
		if err := fillRow(&r, entityType, id, userID, deckID, noteID, due, state, updatedAt, deletedAt, doc); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fillRow(r *Row, entityType, id, userID string, deckID, noteID sql.NullString, due sql.NullInt64, state int, updatedAt int64, deletedAt sql.NullInt64, doc string) error {
	r.EntityType = model.EntityType(entityType)
	r.State = model.CardState(state)
	pid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("localstore: parse id: %w", err)
	}
	r.ID = pid
	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("localstore: parse user_id: %w", err)
	}
	r.UserID = uid
	if deckID.Valid {
		d, err := uuid.Parse(deckID.String)
		if err != nil {
			return fmt.Errorf("localstore: parse deck_id: %w", err)
		}
		r.DeckID = &d
	}
	if noteID.Valid {
		n, err := uuid.Parse(noteID.String)
		if err != nil {
			return fmt.Errorf("localstore: parse note_id: %w", err)
		}
		r.NoteID = &n
	}
	if due.Valid {
		t := time.Unix(0, due.Int64).UTC()
		r.Due = &t
	}
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		r.DeletedAt = &t
	}
	r.Doc = json.RawMessage(doc)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PullCursor returns the last server syncVersion this replica has
// fully pulled through, 0 if it has never pulled.
func (s *Store) PullCursor() (int64, error) {
	var cursor int64
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = 'pull_cursor'`).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// SetPullCursor persists the new high-water mark after a successful
// pull page.
func (s *Store) SetPullCursor(cursor int64) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('pull_cursor', ?)`, fmt.Sprintf("%d", cursor))
	return err
}
