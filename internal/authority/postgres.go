package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

// PostgresRepo is the reference authority storage backed by Postgres.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo returns a PostgresRepo over an open connection pool.
func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the authority tables if they do not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS authority_documents (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			content JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS applied_mutations (
			entry_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure authority schema: %w", err)
		}
	}
	return nil
}

// Get implements Repo.
func (r *PostgresRepo) Get(ctx context.Context, docID string) (*Snapshot, error) {
	var snap Snapshot
	err := r.db.QueryRowContext(ctx,
		`SELECT version, content FROM authority_documents WHERE id = $1`, docID).
		Scan(&snap.Version, &snap.Content)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("document %s not found", docID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return &snap, nil
}

// AppliedVersion implements Repo.
func (r *PostgresRepo) AppliedVersion(ctx context.Context, entryID string) (int64, bool, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM applied_mutations WHERE entry_id = $1`, entryID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query applied mutation: %w", err)
	}
	return version, true, nil
}

// CommitMutation implements Repo. The version check and the entry record
// commit atomically; a concurrent writer surfaces as errStaleCommit and the
// service re-reads.
func (r *PostgresRepo) CommitMutation(ctx context.Context, docID, entryID string, newVersion int64, content json.RawMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if newVersion == 1 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO authority_documents (id, version, content) VALUES ($1, 1, $2)
			 ON CONFLICT (id) DO NOTHING`, docID, []byte(content))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE authority_documents SET version = $2, content = $3
			 WHERE id = $1 AND version = $2 - 1`, docID, newVersion, []byte(content))
	}
	if err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errStaleCommit
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied_mutations (entry_id, document_id, version) VALUES ($1, $2, $3)`,
		entryID, docID, newVersion); err != nil {
		return fmt.Errorf("failed to record applied mutation: %w", err)
	}
	return tx.Commit()
}
