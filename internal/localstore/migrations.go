package localstore

import (
	"database/sql"
	"fmt"
)

// migrate runs database migrations to ensure schema is up to date,
// tracking the applied version in a small metadata table.
func (s *Store) migrate() error {
	if err := s.ensureMetadataTable(); err != nil {
		return err
	}

	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	migrations := []struct {
		version int
		name    string
		fn      func() error
	}{
		{1, "initial_schema", s.runMigration001_InitialSchema},
	}

	for _, m := range migrations {
		if version < m.version {
			if err := m.fn(); err != nil {
				return fmt.Errorf("localstore: migration %d (%s) failed: %w", m.version, m.name, err)
			}
			if err := s.setSchemaVersion(m.version); err != nil {
				return fmt.Errorf("localstore: update schema version: %w", err)
			}
			version = m.version
		}
	}

	return nil
}

func (s *Store) ensureMetadataTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`)
	return err
}

func (s *Store) getSchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`, fmt.Sprintf("%d", version))
	return err
}

// runMigration001_InitialSchema creates the single generic entities
// table the local replica uses for every entity type: a JSON document
// column for the full row plus a handful of extracted
// columns so the indexed scans (findByDeckId, findByNoteId, findDue,
// findDirty) can run as plain SQL rather than a full-table JSON scan.
// state is extracted for cards only (0 for every other entity type)
// so findDue can split its review/new-card buckets without decoding
// doc.
func (s *Store) runMigration001_InitialSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_type   TEXT NOT NULL,
		id            TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		deck_id       TEXT,
		note_id       TEXT,
		due           INTEGER,
		state         INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL,
		deleted_at    INTEGER,
		sync_version  INTEGER NOT NULL DEFAULT 0,
		dirty         INTEGER NOT NULL DEFAULT 0,
		doc           TEXT NOT NULL,
		PRIMARY KEY (entity_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_deck ON entities(entity_type, deck_id);
	CREATE INDEX IF NOT EXISTS idx_entities_note ON entities(entity_type, note_id);
	CREATE INDEX IF NOT EXISTS idx_entities_due ON entities(entity_type, deck_id, state, due, id) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_entities_dirty ON entities(dirty) WHERE dirty != 0;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("localstore: create schema: %w", err)
	}
	return nil
}
