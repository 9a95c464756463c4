// Package serverstore implements the server's authoritative store: a
// Postgres-backed document table per user, each row versioned by a
// monotonic per-user syncVersion counter. It uses pgx/v5's pool and
// transaction APIs directly over the generic CRDT document model
// internal/crdt defines, rather than one table per entity kind.
package serverstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/model"
)

// Store is the server's authoritative Postgres-backed replica.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("serverstore: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_counters (
			user_id UUID PRIMARY KEY,
			counter BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS documents (
			user_id      UUID NOT NULL,
			entity_type  TEXT NOT NULL,
			entity_id    UUID NOT NULL,
			sync_version BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			deleted_at   TIMESTAMPTZ,
			doc          JSONB NOT NULL,
			PRIMARY KEY (user_id, entity_type, entity_id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_cursor ON documents(user_id, sync_version);
	`)
	if err != nil {
		return fmt.Errorf("serverstore: migrate: %w", err)
	}
	return nil
}

// Tx is a Store bound to an in-flight Postgres transaction.
type Tx struct {
	tx pgx.Tx
}

// Transaction runs fn inside a serializable-enough Postgres
// transaction (pgx's default read-committed is sufficient here since
// every write goes through the per-document CRDT merge, which is
// itself commutative), committing on success.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("serverstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("serverstore: commit tx: %w", err)
	}
	return nil
}

// nextSyncVersion atomically increments and returns userID's
// monotonic per-user syncVersion counter.
func (t *Tx) nextSyncVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	var counter int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sync_counters (user_id, counter) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET counter = sync_counters.counter + 1
		RETURNING counter
	`, userID).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("serverstore: next sync version: %w", err)
	}
	return counter, nil
}

// GetDocument fetches the current server-side document for an
// entity, if any.
func (t *Tx) GetDocument(ctx context.Context, userID uuid.UUID, entityType model.EntityType, entityID uuid.UUID) (crdt.Document, bool, error) {
	var raw []byte
	err := t.tx.QueryRow(ctx, `
		SELECT doc FROM documents WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
	`, userID, string(entityType), entityID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return crdt.Document{}, false, nil
	}
	if err != nil {
		return crdt.Document{}, false, fmt.Errorf("serverstore: get document: %w", err)
	}
	doc, err := crdt.Decode(raw)
	if err != nil {
		return crdt.Document{}, false, err
	}
	return doc, true, nil
}

// PutDocument stores doc as the new authoritative version for its
// entity, assigning it the next syncVersion, and returns that
// version.
func (t *Tx) PutDocument(ctx context.Context, userID uuid.UUID, doc crdt.Document, now time.Time) (int64, error) {
	version, err := t.nextSyncVersion(ctx, userID)
	if err != nil {
		return 0, err
	}

	encoded, err := crdt.Encode(doc)
	if err != nil {
		return 0, err
	}

	var deletedAt *time.Time
	if doc.Tombstone != nil {
		deletedAt = &now
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO documents (user_id, entity_type, entity_id, sync_version, updated_at, deleted_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, entity_type, entity_id) DO UPDATE SET
			sync_version = excluded.sync_version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			doc = excluded.doc
	`, userID, string(doc.EntityType), doc.EntityID, version, now, deletedAt, encoded)
	if err != nil {
		return 0, fmt.Errorf("serverstore: put document: %w", err)
	}
	return version, nil
}

// PullPage lists documents for userID with syncVersion > cursor, in
// version order, capped at limit — the server side of cursor-based
// incremental pull. versions runs parallel to the returned documents,
// carrying each one's own syncVersion so the puller can stamp it onto
// the local row it installs rather than keeping whatever version that
// row held before.
func (s *Store) PullPage(ctx context.Context, userID uuid.UUID, cursor int64, limit int) (docs []crdt.Document, versions []int64, nextCursor int64, hasMore bool, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc, sync_version FROM documents
		WHERE user_id = $1 AND sync_version > $2
		ORDER BY sync_version
		LIMIT $3
	`, userID, cursor, limit+1)
	if err != nil {
		return nil, nil, cursor, false, fmt.Errorf("serverstore: pull page: %w", err)
	}
	defer rows.Close()

	maxVersion := cursor
	for rows.Next() {
		var raw []byte
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, nil, cursor, false, err
		}
		if len(docs) >= limit {
			return docs, versions, maxVersion, true, rows.Err()
		}
		doc, err := crdt.Decode(raw)
		if err != nil {
			return nil, nil, cursor, false, err
		}
		docs = append(docs, doc)
		versions = append(versions, version)
		maxVersion = version
	}
	return docs, versions, maxVersion, false, rows.Err()
}
