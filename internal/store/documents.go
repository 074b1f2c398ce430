package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/sitesync/internal/dbx"
	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/models"
)

// Row-level helpers shared by the Store service methods. All take a DBTX so
// they compose into the caller's transaction.

func getDocument(ctx context.Context, q dbx.DBTX, id string) (*models.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, content, local_version, remote_version, sync_state, deleted, last_modified_at, last_synced_at
		FROM documents WHERE id = ?`, id)

	var d models.Document
	err := row.Scan(&d.ID, &d.Title, &d.Content, &d.LocalVersion, &d.RemoteVersion,
		&d.SyncState, &d.Deleted, &d.LastModifiedAt, &d.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("document %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &d, nil
}

func insertDocument(ctx context.Context, q dbx.DBTX, d *models.Document) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, local_version, remote_version, sync_state, deleted, last_modified_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, []byte(d.Content), d.LocalVersion, d.RemoteVersion, d.SyncState, d.Deleted, d.LastModifiedAt, d.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func updateDocument(ctx context.Context, q dbx.DBTX, d *models.Document) error {
	_, err := q.ExecContext(ctx, `
		UPDATE documents SET title = ?, content = ?, local_version = ?, remote_version = ?,
			sync_state = ?, deleted = ?, last_modified_at = ?, last_synced_at = ?
		WHERE id = ?`,
		d.Title, []byte(d.Content), d.LocalVersion, d.RemoteVersion, d.SyncState, d.Deleted,
		d.LastModifiedAt, d.LastSyncedAt, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func listDocuments(ctx context.Context, q dbx.DBTX) ([]models.Document, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, title, content, local_version, remote_version, sync_state, deleted, last_modified_at, last_synced_at
		FROM documents WHERE deleted = 0 ORDER BY last_modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var result []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.LocalVersion, &d.RemoteVersion,
			&d.SyncState, &d.Deleted, &d.LastModifiedAt, &d.LastSyncedAt); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func getConflict(ctx context.Context, q dbx.DBTX, docID string) (*models.Conflict, error) {
	row := q.QueryRowContext(ctx, `
		SELECT document_id, local_content, remote_content, base_version, remote_version, detected_at
		FROM conflicts WHERE document_id = ?`, docID)

	var c models.Conflict
	err := row.Scan(&c.DocumentID, &c.LocalContent, &c.RemoteContent, &c.BaseVersion, &c.RemoteVersion, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	return &c, nil
}

// upsertConflict creates the open conflict for a document or, when one is
// already outstanding, refreshes its snapshots in place. The original
// detection time and base version are preserved.
func upsertConflict(ctx context.Context, q dbx.DBTX, c *models.Conflict) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflicts (document_id, local_content, remote_content, base_version, remote_version, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			local_content = excluded.local_content,
			remote_content = excluded.remote_content,
			remote_version = excluded.remote_version`,
		c.DocumentID, []byte(c.LocalContent), []byte(c.RemoteContent), c.BaseVersion, c.RemoteVersion, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

func deleteConflict(ctx context.Context, q dbx.DBTX, docID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conflicts WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete conflict: %w", err)
	}
	return nil
}

func insertConflictLog(ctx context.Context, q dbx.DBTX, c *models.Conflict, resolution models.Resolution) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conflict_log (id, document_id, base_version, remote_version, resolution, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), c.DocumentID, c.BaseVersion, c.RemoteVersion, string(resolution), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to log resolution: %w", err)
	}
	return nil
}
