package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

// MemoryRepo is an in-memory authority store, used by tests and local
// development.
type MemoryRepo struct {
	mu      sync.Mutex
	docs    map[string]Snapshot
	applied map[string]int64 // entry id -> resulting version
}

// NewMemoryRepo creates an empty in-memory repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		docs:    make(map[string]Snapshot),
		applied: make(map[string]int64),
	}
}

// Get implements Repo.
func (r *MemoryRepo) Get(ctx context.Context, docID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.docs[docID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("document %s not found", docID))
	}
	cp := snap
	return &cp, nil
}

// AppliedVersion implements Repo.
func (r *MemoryRepo) AppliedVersion(ctx context.Context, entryID string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.applied[entryID]
	return v, ok, nil
}

// CommitMutation implements Repo.
func (r *MemoryRepo) CommitMutation(ctx context.Context, docID, entryID string, newVersion int64, content json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.docs[docID].Version
	if current != newVersion-1 {
		return errStaleCommit
	}
	r.docs[docID] = Snapshot{Version: newVersion, Content: content}
	r.applied[entryID] = newVersion
	return nil
}

// Seed installs a document snapshot directly, bypassing the mutation path.
// Test helper for modeling edits made by another device.
func (r *MemoryRepo) Seed(docID string, version int64, content json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[docID] = Snapshot{Version: version, Content: content}
}
