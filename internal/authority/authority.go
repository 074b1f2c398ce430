// Package authority defines the remote document authority boundary: the
// server-side owner of version numbers. The core consumes the Authority
// interface; an HTTP client implementation talks to the reference server,
// and the in-process Service implementation backs that server (and tests).
package authority

import (
	"context"
	"encoding/json"
)

// Snapshot is the authority's latest accepted state of one document.
type Snapshot struct {
	Version int64           `json:"version"`
	Content json.RawMessage `json:"content"`
}

// MutationRequest carries one queued local mutation to the authority.
// EntryID is the durable queue entry identity; replaying a request with an
// already-applied EntryID returns the original result instead of a new
// version.
type MutationRequest struct {
	EntryID        string          `json:"entry_id"`
	AuthorID       string          `json:"author_id"`
	BasedOnVersion int64           `json:"based_on_version"`
	Payload        json.RawMessage `json:"payload"`
}

// ApplyResult is the authority's decision on a mutation. A rejection is not
// an error: it is the divergence signal, carrying the current remote head so
// the engine can raise a conflict without a second round trip.
type ApplyResult struct {
	Accepted       bool            `json:"accepted"`
	NewVersion     int64           `json:"new_version,omitempty"`
	CurrentVersion int64           `json:"current_version,omitempty"`
	CurrentContent json.RawMessage `json:"current_content,omitempty"`
}

// Authority is the remote document authority consumed by the sync engine.
type Authority interface {
	// FetchLatest returns the latest accepted snapshot of a document.
	FetchLatest(ctx context.Context, docID string) (*Snapshot, error)

	// ApplyMutation attempts to apply a mutation against its base version.
	// A stale base is reported via ApplyResult.Accepted == false, not an
	// error; errors are transport or storage failures.
	ApplyMutation(ctx context.Context, docID string, req MutationRequest) (*ApplyResult, error)
}
