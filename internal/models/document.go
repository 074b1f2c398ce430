// Package models provides data model definitions for the SiteSync core.
package models

import (
	"encoding/json"
	"time"
)

// SyncState describes where a document stands relative to the remote authority.
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStatePending     SyncState = "pending"
	SyncStateConflict    SyncState = "conflict"
	SyncStateOfflineOnly SyncState = "offline_only"
)

// Document is the locally cached, optimistically mutated copy of a shared
// site document. Content is an opaque JSON payload; the core never interprets
// individual fields beyond applying mutation envelopes to them.
//
// Invariant: LocalVersion >= RemoteVersion whenever RemoteVersion is known.
type Document struct {
	ID             string          `db:"id" json:"id"`
	Title          string          `db:"title" json:"title"`
	Content        json.RawMessage `db:"content" json:"content"`
	LocalVersion   int64           `db:"local_version" json:"local_version"`
	RemoteVersion  int64           `db:"remote_version" json:"remote_version"` // 0 = never synced
	SyncState      SyncState       `db:"sync_state" json:"sync_state"`
	Deleted        bool            `db:"deleted" json:"deleted"` // soft tombstone
	LastModifiedAt int64           `db:"last_modified_at" json:"last_modified_at"`
	LastSyncedAt   int64           `db:"last_synced_at" json:"last_synced_at"`
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Synced reports whether the document has ever been accepted by the remote.
func (d *Document) Synced() bool {
	return d.RemoteVersion > 0
}

// LastModifiedTime returns LastModifiedAt as time.Time.
func (d *Document) LastModifiedTime() time.Time {
	return time.Unix(d.LastModifiedAt, 0)
}
