// Package models provides data model definitions for the SiteSync core.
package models

import "time"

// CursorPosition is a line/column offset into a document's rendered content.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// PresenceState is the ephemeral liveness record of one participant in a
// document's collaboration session. It is never persisted; a participant
// whose heartbeat lapses past the session window is silently dropped.
type PresenceState struct {
	DocumentID      string         `json:"document_id"`
	UserID          string         `json:"user_id"`
	Cursor          CursorPosition `json:"cursor"`
	Color           string         `json:"color"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
}

// Stale reports whether the participant missed the heartbeat window as of now.
func (p *PresenceState) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastHeartbeatAt) > window
}
