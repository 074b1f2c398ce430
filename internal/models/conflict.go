// Package models provides data model definitions for the SiteSync core.
package models

import (
	"encoding/json"
	"time"
)

// Resolution names the user decision applied to an open conflict.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerge      Resolution = "merge"
)

// Conflict records a detected divergence between the local replica and the
// remote authority. At most one open conflict exists per document; further
// divergence observed while it is open updates this record in place.
type Conflict struct {
	DocumentID    string          `db:"document_id" json:"document_id"`
	LocalContent  json.RawMessage `db:"local_content" json:"local_content"`
	RemoteContent json.RawMessage `db:"remote_content" json:"remote_content"`
	BaseVersion   int64           `db:"base_version" json:"base_version"` // last common ancestor
	RemoteVersion int64           `db:"remote_version" json:"remote_version"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// ConflictLog records resolved conflicts for user awareness; rows are kept
// after resolution, unlike the conflicts table itself.
type ConflictLog struct {
	ID            UUID   `db:"id" json:"id"`
	DocumentID    string `db:"document_id" json:"document_id"`
	BaseVersion   int64  `db:"base_version" json:"base_version"`
	RemoteVersion int64  `db:"remote_version" json:"remote_version"`
	Resolution    string `db:"resolution" json:"resolution"`
	ResolvedAt    int64  `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// ResolvedAtTime returns ResolvedAt as time.Time.
func (c *ConflictLog) ResolvedAtTime() time.Time {
	return time.Unix(c.ResolvedAt, 0)
}
