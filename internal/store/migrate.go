package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// migration is one schema step. Statements are embedded rather than read from
// disk so the agent binary carries its own schema.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "core sync schema: documents, sync queue, version ledger, conflicts",
		Statements: []string{
			`CREATE TABLE documents (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				content BLOB NOT NULL DEFAULT '{}',
				local_version INTEGER NOT NULL DEFAULT 0,
				remote_version INTEGER NOT NULL DEFAULT 0,
				sync_state TEXT NOT NULL DEFAULT 'offline_only',
				deleted INTEGER NOT NULL DEFAULT 0,
				last_modified_at INTEGER NOT NULL,
				last_synced_at INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE sync_queue (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				entry_id TEXT NOT NULL UNIQUE,
				document_id TEXT NOT NULL REFERENCES documents(id),
				payload BLOB NOT NULL,
				based_on_version INTEGER NOT NULL,
				author_id TEXT NOT NULL DEFAULT '',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				next_attempt_at INTEGER NOT NULL,
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX idx_sync_queue_document ON sync_queue(document_id, seq);`,
			`CREATE TABLE document_versions (
				document_id TEXT NOT NULL REFERENCES documents(id),
				version INTEGER NOT NULL,
				content BLOB NOT NULL,
				author_id TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				is_current INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (document_id, version)
			);`,
			`CREATE UNIQUE INDEX idx_versions_current ON document_versions(document_id) WHERE is_current = 1;`,
			`CREATE TABLE conflicts (
				document_id TEXT PRIMARY KEY REFERENCES documents(id),
				local_content BLOB NOT NULL,
				remote_content BLOB NOT NULL,
				base_version INTEGER NOT NULL,
				remote_version INTEGER NOT NULL,
				detected_at INTEGER NOT NULL
			);`,
			`CREATE TABLE conflict_log (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL,
				base_version INTEGER NOT NULL,
				remote_version INTEGER NOT NULL,
				resolution TEXT NOT NULL,
				resolved_at INTEGER NOT NULL
			);`,
		},
	},
	{
		Version:     2,
		Description: "annotation overlay: comments and suggestions",
		Statements: []string{
			`CREATE TABLE comments (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL REFERENCES documents(id),
				anchor_version INTEGER NOT NULL,
				anchor_line INTEGER NOT NULL DEFAULT 0,
				anchor_column INTEGER NOT NULL DEFAULT 0,
				body TEXT NOT NULL,
				author_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'open',
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX idx_comments_document ON comments(document_id);`,
			`CREATE TABLE suggestions (
				id TEXT PRIMARY KEY,
				document_id TEXT NOT NULL REFERENCES documents(id),
				anchor_version INTEGER NOT NULL,
				field TEXT NOT NULL,
				original_text TEXT NOT NULL,
				suggested_text TEXT NOT NULL,
				author_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX idx_suggestions_document ON suggestions(document_id);`,
		},
	},
}

// Migrate applies all pending migrations. Each migration runs in its own
// transaction and is recorded with a checksum so a changed historical
// migration is caught instead of silently re-applied differently.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY CHECK(version > 0),
			applied_at INTEGER NOT NULL,
			description TEXT NOT NULL,
			checksum TEXT NOT NULL CHECK(length(checksum) = 64)
		);`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := db.appliedMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		sum := checksum(m)
		if prev, ok := applied[m.Version]; ok {
			if prev != sum {
				return fmt.Errorf("migration %d checksum mismatch: recorded %s, computed %s", m.Version, prev, sum)
			}
			continue
		}
		if err := db.applyMigration(m, sum); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (db *DB) appliedMigrations() (map[int]string, error) {
	rows, err := db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

func (db *DB) applyMigration(m migration, sum string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		m.Version, time.Now().Unix(), m.Description, sum); err != nil {
		return err
	}
	return tx.Commit()
}

func checksum(m migration) string {
	h := sha256.New()
	for _, stmt := range m.Statements {
		h.Write([]byte(stmt))
	}
	return hex.EncodeToString(h.Sum(nil))
}
