// Package ledger provides the append-only version history of documents.
// Versions are never rewritten; the only field ever toggled is the current
// flag, and flipping it on for one version flips it off for the previous
// current version inside the same transaction.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldops/sitesync/internal/dbx"
	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/models"
)

// Repository provides ledger operations over a DBTX (either *sql.DB or *sql.Tx).
type Repository struct {
	db dbx.DBTX
}

// New returns a Repository bound to the given DBTX.
func New(db dbx.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to tx for transactional composition.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// Append creates version max+1 for the document and makes it current.
// Callers must run this inside a transaction when pairing it with document
// or queue updates.
func (r *Repository) Append(ctx context.Context, docID string, content []byte, authorID, summary string) (*models.DocumentVersion, error) {
	var maxVersion int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM document_versions WHERE document_id = ?`, docID).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read max version: %w", err)
	}
	return r.Record(ctx, docID, maxVersion+1, content, authorID, summary)
}

// Record inserts a version with a remote-assigned number and makes it
// current. Recording a version that already exists is a no-op returning the
// stored row, which keeps duplicate network replays harmless.
func (r *Repository) Record(ctx context.Context, docID string, version int64, content []byte, authorID, summary string) (*models.DocumentVersion, error) {
	if existing, err := r.Get(ctx, docID, version); err == nil {
		return existing, nil
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE document_versions SET is_current = 0 WHERE document_id = ? AND is_current = 1`, docID); err != nil {
		return nil, fmt.Errorf("failed to clear current flag: %w", err)
	}

	v := &models.DocumentVersion{
		DocumentID: docID,
		Version:    version,
		Content:    content,
		AuthorID:   authorID,
		Summary:    summary,
		IsCurrent:  true,
		CreatedAt:  time.Now().Unix(),
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, content, author_id, summary, is_current, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		v.DocumentID, v.Version, v.Content, v.AuthorID, v.Summary, v.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to append version: %w", err)
	}
	return v, nil
}

// Get returns one specific version of a document.
func (r *Repository) Get(ctx context.Context, docID string, version int64) (*models.DocumentVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT document_id, version, content, author_id, summary, is_current, created_at
		FROM document_versions WHERE document_id = ? AND version = ?`, docID, version)
	return scanVersion(row)
}

// Current returns the version currently flagged as current.
func (r *Repository) Current(ctx context.Context, docID string) (*models.DocumentVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT document_id, version, content, author_id, summary, is_current, created_at
		FROM document_versions WHERE document_id = ? AND is_current = 1`, docID)
	return scanVersion(row)
}

// ListVersions returns the document's history, newest first.
func (r *Repository) ListVersions(ctx context.Context, docID string) ([]models.DocumentVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, version, content, author_id, summary, is_current, created_at
		FROM document_versions WHERE document_id = ? ORDER BY version DESC`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var result []models.DocumentVersion
	for rows.Next() {
		var v models.DocumentVersion
		if err := rows.Scan(&v.DocumentID, &v.Version, &v.Content, &v.AuthorID, &v.Summary, &v.IsCurrent, &v.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func scanVersion(row *sql.Row) (*models.DocumentVersion, error) {
	var v models.DocumentVersion
	err := row.Scan(&v.DocumentID, &v.Version, &v.Content, &v.AuthorID, &v.Summary, &v.IsCurrent, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	return &v, nil
}
