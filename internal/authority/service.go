package authority

import (
	"context"
	"encoding/json"
	"errors"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/mutation"
)

// errStaleCommit is returned by Repo.CommitMutation when the compare-and-set
// version check fails because another writer got there first.
var errStaleCommit = errors.New("stale commit: version advanced concurrently")

// Repo is the authority's storage. Implementations must make CommitMutation
// atomic: the new version is written only if the document is still at
// newVersion-1 (or absent, for newVersion 1), and the entry id is recorded in
// the same transaction.
type Repo interface {
	Get(ctx context.Context, docID string) (*Snapshot, error)
	AppliedVersion(ctx context.Context, entryID string) (int64, bool, error)
	CommitMutation(ctx context.Context, docID, entryID string, newVersion int64, content json.RawMessage) error
}

// Service implements Authority over a Repo. It owns the accept/reject
// decision: a mutation is accepted exactly when its base version equals the
// current head, and an already-applied entry id short-circuits to its
// original result so network replays stay idempotent.
type Service struct {
	repo Repo
}

// NewService creates an authority Service over the given storage.
func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

// FetchLatest implements Authority.
func (s *Service) FetchLatest(ctx context.Context, docID string) (*Snapshot, error) {
	return s.repo.Get(ctx, docID)
}

// ApplyMutation implements Authority.
func (s *Service) ApplyMutation(ctx context.Context, docID string, req MutationRequest) (*ApplyResult, error) {
	if version, seen, err := s.repo.AppliedVersion(ctx, req.EntryID); err != nil {
		return nil, err
	} else if seen {
		return &ApplyResult{Accepted: true, NewVersion: version}, nil
	}

	for {
		var current Snapshot
		snap, err := s.repo.Get(ctx, docID)
		if err == nil {
			current = *snap
		} else if !apperrors.IsNotFound(err) {
			return nil, err
		}

		if req.BasedOnVersion != current.Version {
			return &ApplyResult{
				Accepted:       false,
				CurrentVersion: current.Version,
				CurrentContent: current.Content,
			}, nil
		}

		content, err := mutation.Apply(current.Content, req.Payload)
		if err != nil {
			return nil, err
		}

		newVersion := current.Version + 1
		err = s.repo.CommitMutation(ctx, docID, req.EntryID, newVersion, content)
		if errors.Is(err, errStaleCommit) {
			// lost the race; re-read and decide again
			continue
		}
		if err != nil {
			return nil, err
		}

		logging.Debug("mutation accepted", map[string]interface{}{
			"document_id": docID,
			"entry_id":    req.EntryID,
			"new_version": newVersion,
		})
		return &ApplyResult{Accepted: true, NewVersion: newVersion}, nil
	}
}
