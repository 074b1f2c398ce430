// Package models provides data model definitions for the SiteSync core.
package models

import (
	"encoding/json"
	"time"
)

// SyncQueueEntry represents one pending local mutation awaiting transmission
// to the remote authority. Entries are durable and strictly FIFO per document;
// Seq is the insertion-ordered rowid, EntryID the stable identity used for
// idempotent replay on the wire.
type SyncQueueEntry struct {
	Seq            int64           `db:"seq" json:"seq"`
	EntryID        UUID            `db:"entry_id" json:"entry_id"`
	DocumentID     string          `db:"document_id" json:"document_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	BasedOnVersion int64           `db:"based_on_version" json:"based_on_version"`
	AuthorID       string          `db:"author_id" json:"author_id"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt  int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for SyncQueueEntry.
func (SyncQueueEntry) TableName() string {
	return "sync_queue"
}

// Ready reports whether the entry is eligible for a flush attempt at t.
func (e *SyncQueueEntry) Ready(t time.Time) bool {
	return e.NextAttemptAt <= t.Unix()
}
