// Package models provides data model definitions for the SiteSync core.
package models

import (
	"encoding/json"
	"time"
)

// DocumentVersion is one immutable snapshot in a document's append-only
// history. Version numbers are assigned by the remote authority and strictly
// increase per document. Exactly one version per document carries IsCurrent.
type DocumentVersion struct {
	DocumentID string          `db:"document_id" json:"document_id"`
	Version    int64           `db:"version" json:"version"`
	Content    json.RawMessage `db:"content" json:"content"`
	AuthorID   string          `db:"author_id" json:"author_id"`
	Summary    string          `db:"summary" json:"summary"`
	IsCurrent  bool            `db:"is_current" json:"is_current"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for DocumentVersion.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (v *DocumentVersion) CreatedAtTime() time.Time {
	return time.Unix(v.CreatedAt, 0)
}
