// Package syncq provides the durable sync queue: the ordered set of pending
// local mutations awaiting transmission to the remote authority. Entries live
// in the same SQLite database as the document cache so a mutation and its
// queue entry commit in one transaction and survive process restarts.
package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/sitesync/internal/dbx"
	"github.com/fieldops/sitesync/internal/models"
)

// Repository provides queue operations over a DBTX (either *sql.DB or *sql.Tx).
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

// Enqueue appends a new entry for a local mutation. The entry id is generated
// here and travels with the mutation to the remote, making replays idempotent.
func (r *Repository) Enqueue(ctx context.Context, docID string, payload []byte, basedOnVersion int64, authorID string) (*models.SyncQueueEntry, error) {
	now := time.Now().Unix()
	e := &models.SyncQueueEntry{
		EntryID:        models.UUID(uuid.NewString()),
		DocumentID:     docID,
		Payload:        payload,
		BasedOnVersion: basedOnVersion,
		AuthorID:       authorID,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entry_id, document_id, payload, based_on_version, author_id, attempt_count, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		e.EntryID, e.DocumentID, e.Payload, e.BasedOnVersion, e.AuthorID, e.NextAttemptAt, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue entry: %w", err)
	}
	e.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry seq: %w", err)
	}
	return e, nil
}

// PeekNext returns the head entry for a document in insertion order, or nil
// if the document has no pending entries. The head is returned even when its
// retry time has not come yet; the engine decides whether to attempt it.
func (r *Repository) PeekNext(ctx context.Context, docID string) (*models.SyncQueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT seq, entry_id, document_id, payload, based_on_version, author_id, attempt_count, next_attempt_at, created_at
		FROM sync_queue WHERE document_id = ? ORDER BY seq LIMIT 1`, docID)
	return scanEntry(row)
}

// Dequeue removes an entry after confirmed remote acceptance or an explicit
// resolution that supersedes it.
func (r *Repository) Dequeue(ctx context.Context, entryID models.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to dequeue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %s not found", entryID)
	}
	return nil
}

// RequeueWithBackoff records a failed attempt and schedules the next one.
// The entry itself is left untouched otherwise; ordering is preserved.
func (r *Repository) RequeueWithBackoff(ctx context.Context, entryID models.UUID, nextAttempt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempt_count = attempt_count + 1, next_attempt_at = ?
		WHERE entry_id = ?`, nextAttempt.Unix(), entryID)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %s not found", entryID)
	}
	return nil
}

// PendingForDocument lists a document's entries in insertion order.
func (r *Repository) PendingForDocument(ctx context.Context, docID string) ([]models.SyncQueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, entry_id, document_id, payload, based_on_version, author_id, attempt_count, next_attempt_at, created_at
		FROM sync_queue WHERE document_id = ? ORDER BY seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()

	var result []models.SyncQueueEntry
	for rows.Next() {
		var e models.SyncQueueEntry
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.DocumentID, &e.Payload, &e.BasedOnVersion,
			&e.AuthorID, &e.AttemptCount, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CountForDocument returns the number of pending entries for one document.
func (r *Repository) CountForDocument(ctx context.Context, docID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE document_id = ?`, docID).Scan(&n)
	return n, err
}

// Depth returns the total number of pending entries across all documents.
func (r *Repository) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}

// DocumentsWithPending returns ids of documents that have queued entries,
// oldest head first. The engine uses this to drive a full flush pass.
func (r *Repository) DocumentsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id FROM sync_queue GROUP BY document_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents with pending entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteForDocument drops every pending entry for a document. Used by the
// keep-remote resolution; returns the number of discarded mutations so the
// caller can surface the loss acknowledgment.
func (r *Repository) DeleteForDocument(ctx context.Context, docID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE document_id = ?`, docID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RebaseForDocument renumbers the pending chain for keep-local resolution:
// the head entry is re-based onto newBase, each subsequent entry onto its
// predecessor's resulting version. Attempt counters reset so the re-flush
// starts fresh.
func (r *Repository) RebaseForDocument(ctx context.Context, docID string, newBase int64) error {
	entries, err := r.PendingForDocument(ctx, docID)
	if err != nil {
		return err
	}
	base := newBase
	now := time.Now().Unix()
	for i := range entries {
		_, err := r.db.ExecContext(ctx, `
			UPDATE sync_queue SET based_on_version = ?, attempt_count = 0, next_attempt_at = ?
			WHERE entry_id = ?`, base, now, entries[i].EntryID)
		if err != nil {
			return fmt.Errorf("failed to rebase entry %s: %w", entries[i].EntryID, err)
		}
		base++
	}
	return nil
}

func scanEntry(row *sql.Row) (*models.SyncQueueEntry, error) {
	var e models.SyncQueueEntry
	err := row.Scan(&e.Seq, &e.EntryID, &e.DocumentID, &e.Payload, &e.BasedOnVersion,
		&e.AuthorID, &e.AttemptCount, &e.NextAttemptAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	return &e, nil
}
