package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/ledger"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/mutation"
	"github.com/fieldops/sitesync/internal/syncq"
)

// Store is the local document store: the single source of truth while the
// device is offline. Local mutations always succeed synchronously; divergence
// from the remote is discovered by the sync engine, never here. Every write
// that touches a document, its queue entries and its ledger rows commits in
// one transaction.
type Store struct {
	db     *DB
	queue  *syncq.Repository
	ledger *ledger.Repository

	mu      sync.Mutex
	subs    map[string]map[int]chan models.Document
	nextSub int
}

// ResolveResult reports the outcome of a conflict resolution. Discarded is
// the number of queued local mutations dropped by keep-remote (the explicit
// loss acknowledgment the caller surfaces to the user).
type ResolveResult struct {
	Resolution models.Resolution
	Discarded  int
	Document   *models.Document
}

// New creates a Store over an opened, migrated database.
func New(db *DB) *Store {
	return &Store{
		db:     db,
		queue:  syncq.New(db.DB),
		ledger: ledger.New(db.DB),
		subs:   make(map[string]map[int]chan models.Document),
	}
}

// Queue exposes the sync queue repository, used by the engine and the status
// surface.
func (s *Store) Queue() *syncq.Repository {
	return s.queue
}

// Ledger exposes the version ledger repository.
func (s *Store) Ledger() *ledger.Repository {
	return s.ledger
}

// Get returns the current local state of a document, which may be ahead of
// the last version the remote has accepted.
func (s *Store) Get(ctx context.Context, docID string) (*models.Document, error) {
	return getDocument(ctx, s.db.DB, docID)
}

// List returns all non-tombstoned documents, most recently modified first.
func (s *Store) List(ctx context.Context) ([]models.Document, error) {
	return listDocuments(ctx, s.db.DB)
}

// VersionHistory returns the document's confirmed history, newest first.
func (s *Store) VersionHistory(ctx context.Context, docID string) ([]models.DocumentVersion, error) {
	return s.ledger.ListVersions(ctx, docID)
}

// OpenConflict returns the document's open conflict, or nil if none exists.
func (s *Store) OpenConflict(ctx context.Context, docID string) (*models.Conflict, error) {
	return getConflict(ctx, s.db.DB, docID)
}

// ApplyLocalMutation validates the payload, applies it optimistically to the
// local copy and enqueues it for transmission, all in one transaction. It
// never blocks on the network and never rejects a valid mutation, even while
// a conflict is open; conflicted documents keep enqueuing but are not flushed
// until resolved.
func (s *Store) ApplyLocalMutation(ctx context.Context, docID string, payload json.RawMessage, authorID string) (*models.Document, error) {
	env, err := mutation.Parse(payload)
	if err != nil {
		// fatal/local: reported immediately, nothing is enqueued
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	doc, err := s.applyLocalMutationTx(ctx, tx, docID, payload, env, authorID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit mutation", err)
	}

	s.notify(doc)
	return doc, nil
}

// applyLocalMutationTx is the transactional body of ApplyLocalMutation, also
// reused by the merge resolution path.
func (s *Store) applyLocalMutationTx(ctx context.Context, tx *sql.Tx, docID string, payload json.RawMessage, env *mutation.Envelope, authorID string) (*models.Document, error) {
	now := time.Now().Unix()

	doc, err := getDocument(ctx, tx, docID)
	if apperrors.IsNotFound(err) {
		// created on first local edit
		doc = &models.Document{
			ID:             docID,
			Content:        json.RawMessage(`{}`),
			SyncState:      models.SyncStateOfflineOnly,
			LastModifiedAt: now,
		}
		if err := insertDocument(ctx, tx, doc); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	newContent, err := mutation.Apply(doc.Content, payload)
	if err != nil {
		return nil, err
	}

	basedOn := doc.LocalVersion
	doc.Content = newContent
	doc.LocalVersion++
	doc.LastModifiedAt = now
	if title, ok := env.Title(); ok {
		doc.Title = title
	}
	switch {
	case doc.SyncState == models.SyncStateConflict:
		// stays conflicted until resolved
	case doc.Synced():
		doc.SyncState = models.SyncStatePending
	default:
		doc.SyncState = models.SyncStateOfflineOnly
	}

	if err := updateDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	if _, err := s.queue.WithTx(tx).Enqueue(ctx, docID, payload, basedOn, authorID); err != nil {
		return nil, err
	}
	return doc, nil
}

// ApplyRemoteSnapshot reconciles a fetched remote (version, content) pair
// into the local store. A snapshot that is a direct descendant with no
// intervening local mutations fast-forwards cleanly; a snapshot that diverges
// from the base of pending local mutations raises (or refreshes) a Conflict
// instead of silently overwriting.
func (s *Store) ApplyRemoteSnapshot(ctx context.Context, docID string, version int64, content json.RawMessage, authorID string) (*models.Document, *models.Conflict, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	doc, err := getDocument(ctx, tx, docID)
	if apperrors.IsNotFound(err) {
		// created on first remote fetch
		doc = &models.Document{
			ID:             docID,
			Content:        content,
			LocalVersion:   version,
			RemoteVersion:  version,
			SyncState:      models.SyncStateSynced,
			LastModifiedAt: now,
			LastSyncedAt:   now,
		}
		if err := insertDocument(ctx, tx, doc); err != nil {
			return nil, nil, err
		}
		if _, err := s.ledger.WithTx(tx).Record(ctx, docID, version, content, authorID, "remote snapshot"); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit snapshot", err)
		}
		s.notify(doc)
		return doc, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	if version <= doc.RemoteVersion {
		// already seen; nothing to reconcile
		return doc, nil, nil
	}

	pending, err := s.queue.WithTx(tx).CountForDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}

	if pending == 0 {
		// clean fast-forward
		doc.Content = content
		doc.LocalVersion = version
		doc.RemoteVersion = version
		doc.SyncState = models.SyncStateSynced
		doc.LastSyncedAt = now
		if err := updateDocument(ctx, tx, doc); err != nil {
			return nil, nil, err
		}
		if _, err := s.ledger.WithTx(tx).Record(ctx, docID, version, content, authorID, "remote snapshot"); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit snapshot", err)
		}
		s.notify(doc)
		return doc, nil, nil
	}

	if bytes.Equal(doc.Content, content) {
		// remote converged on our exact content; treat as fast-forward of
		// version bookkeeping, pending entries will be rejected and resolved
		// by ordinary flush when they reach the authority
		return doc, nil, nil
	}

	conflict, err := s.raiseConflictTx(ctx, tx, doc, version, content)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit conflict", err)
	}
	s.notify(doc)
	return doc, conflict, nil
}

// RaiseConflict records a divergence discovered by the sync engine (stale
// base rejection from the authority). At most one conflict stays open per
// document; repeated divergence refreshes the snapshots of the open one.
func (s *Store) RaiseConflict(ctx context.Context, docID string, remoteVersion int64, remoteContent json.RawMessage) (*models.Conflict, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, docID)
	if err != nil {
		return nil, err
	}
	conflict, err := s.raiseConflictTx(ctx, tx, doc, remoteVersion, remoteContent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit conflict", err)
	}
	s.notify(doc)
	return conflict, nil
}

func (s *Store) raiseConflictTx(ctx context.Context, tx *sql.Tx, doc *models.Document, remoteVersion int64, remoteContent json.RawMessage) (*models.Conflict, error) {
	existing, err := getConflict(ctx, tx, doc.ID)
	if err != nil {
		return nil, err
	}

	conflict := &models.Conflict{
		DocumentID:    doc.ID,
		LocalContent:  doc.Content,
		RemoteContent: remoteContent,
		BaseVersion:   doc.RemoteVersion, // last common ancestor
		RemoteVersion: remoteVersion,
		DetectedAt:    time.Now().Unix(),
	}
	if existing != nil {
		conflict.BaseVersion = existing.BaseVersion
		conflict.DetectedAt = existing.DetectedAt
	}
	if err := upsertConflict(ctx, tx, conflict); err != nil {
		return nil, err
	}

	doc.SyncState = models.SyncStateConflict
	if err := updateDocument(ctx, tx, doc); err != nil {
		return nil, err
	}

	logging.Warn("conflict raised", map[string]interface{}{
		"document_id":    doc.ID,
		"base_version":   conflict.BaseVersion,
		"remote_version": conflict.RemoteVersion,
	})
	return conflict, nil
}

// ConfirmFlushed finalizes a remote-accepted queue entry: the confirmed
// version is appended to the ledger, the entry leaves the queue and the
// document's remote bookkeeping advances. When the queue drains completely
// the cached content converges to the confirmed chain, which after a
// keep-local rebase may incorporate remote fields the local replica never
// saw.
func (s *Store) ConfirmFlushed(ctx context.Context, entry *models.SyncQueueEntry, newVersion int64) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, entry.DocumentID)
	if err != nil {
		return nil, err
	}

	// confirmed content = previous confirmed content + this entry's payload,
	// the same computation the authority performed
	var base json.RawMessage
	cur, err := s.ledger.WithTx(tx).Current(ctx, entry.DocumentID)
	if err == nil {
		base = cur.Content
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}
	confirmed, err := mutation.Apply(base, entry.Payload)
	if err != nil {
		return nil, err
	}

	env, err := mutation.Parse(entry.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.WithTx(tx).Record(ctx, entry.DocumentID, newVersion, confirmed, entry.AuthorID, env.Summary); err != nil {
		return nil, err
	}
	if err := s.queue.WithTx(tx).Dequeue(ctx, entry.EntryID); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	doc.RemoteVersion = newVersion
	doc.LastSyncedAt = now

	remaining, err := s.queue.WithTx(tx).CountForDocument(ctx, entry.DocumentID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		doc.Content = confirmed
		doc.LocalVersion = newVersion
		doc.SyncState = models.SyncStateSynced
	} else {
		doc.SyncState = models.SyncStatePending
	}
	if err := updateDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit flush", err)
	}

	s.notify(doc)
	return doc, nil
}

// Resolve applies a user decision to the document's open conflict. keep-local
// rebases the queued chain onto the remote head and leaves local content
// untouched; keep-remote discards the queued chain and fast-forwards;
// merge discards the chain, fast-forwards, then applies the caller-supplied
// merged payload as an ordinary local mutation based on the remote version.
func (s *Store) Resolve(ctx context.Context, docID string, mode models.Resolution, mergedPayload json.RawMessage, authorID string) (*ResolveResult, error) {
	var env *mutation.Envelope
	if mode == models.ResolutionMerge {
		if len(mergedPayload) == 0 {
			return nil, apperrors.New(apperrors.ErrInvalid, "merge resolution requires a merged payload")
		}
		var err error
		env, err = mutation.Parse(mergedPayload)
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	doc, err := getDocument(ctx, tx, docID)
	if err != nil {
		return nil, err
	}
	conflict, err := getConflict(ctx, tx, docID)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, apperrors.New(apperrors.ErrNoConflict, fmt.Sprintf("document %s has no open conflict", docID))
	}

	result := &ResolveResult{Resolution: mode}
	now := time.Now().Unix()

	switch mode {
	case models.ResolutionKeepLocal:
		// the remote head becomes part of confirmed history, and the queued
		// chain is renumbered on top of it
		if _, err := s.ledger.WithTx(tx).Record(ctx, docID, conflict.RemoteVersion, conflict.RemoteContent, "remote", "divergent remote head"); err != nil {
			return nil, err
		}
		if err := s.queue.WithTx(tx).RebaseForDocument(ctx, docID, conflict.RemoteVersion); err != nil {
			return nil, err
		}
		pending, err := s.queue.WithTx(tx).CountForDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		doc.RemoteVersion = conflict.RemoteVersion
		doc.LocalVersion = conflict.RemoteVersion + int64(pending)
		doc.SyncState = models.SyncStatePending

	case models.ResolutionKeepRemote:
		discarded, err := s.keepRemoteTx(ctx, tx, doc, conflict, now)
		if err != nil {
			return nil, err
		}
		result.Discarded = discarded

	case models.ResolutionMerge:
		discarded, err := s.keepRemoteTx(ctx, tx, doc, conflict, now)
		if err != nil {
			return nil, err
		}
		result.Discarded = discarded
		// the merged payload is an ordinary mutation based on the remote head
		if _, err := s.applyLocalMutationTx(ctx, tx, docID, mergedPayload, env, authorID); err != nil {
			return nil, err
		}
		doc, err = getDocument(ctx, tx, docID)
		if err != nil {
			return nil, err
		}

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution mode %q", mode))
	}

	if mode != models.ResolutionMerge {
		doc.LastModifiedAt = now
		if err := updateDocument(ctx, tx, doc); err != nil {
			return nil, err
		}
	}
	if err := deleteConflict(ctx, tx, docID); err != nil {
		return nil, err
	}
	if err := insertConflictLog(ctx, tx, conflict, mode); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit resolution", err)
	}

	result.Document = doc
	s.notify(doc)
	logging.Info("conflict resolved", map[string]interface{}{
		"document_id": docID,
		"resolution":  string(mode),
		"discarded":   result.Discarded,
	})
	return result, nil
}

// keepRemoteTx discards the queued chain and fast-forwards to the remote
// snapshot. Shared by keep-remote and the first half of merge.
func (s *Store) keepRemoteTx(ctx context.Context, tx *sql.Tx, doc *models.Document, conflict *models.Conflict, now int64) (int, error) {
	discarded, err := s.queue.WithTx(tx).DeleteForDocument(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	doc.Content = conflict.RemoteContent
	doc.LocalVersion = conflict.RemoteVersion
	doc.RemoteVersion = conflict.RemoteVersion
	doc.SyncState = models.SyncStateSynced
	doc.LastSyncedAt = now
	if err := updateDocument(ctx, tx, doc); err != nil {
		return 0, err
	}
	if _, err := s.ledger.WithTx(tx).Record(ctx, doc.ID, conflict.RemoteVersion, conflict.RemoteContent, "remote", "keep-remote resolution"); err != nil {
		return 0, err
	}
	return discarded, nil
}

// Rollback appends a new version whose content equals the target's, going
// through the ordinary mutation path; history is never rewritten.
func (s *Store) Rollback(ctx context.Context, docID string, targetVersion int64, authorID string) (*models.Document, error) {
	target, err := s.ledger.Get(ctx, docID, targetVersion)
	if err != nil {
		return nil, err
	}
	payload, err := mutation.ReplaceWith(target.Content, fmt.Sprintf("rollback to version %d", targetVersion))
	if err != nil {
		return nil, err
	}
	return s.ApplyLocalMutation(ctx, docID, payload, authorID)
}

// Subscribe registers for change notifications on one document. The returned
// cancel function must be called when the subscriber goes away. Notifications
// are best-effort: a slow subscriber misses intermediate states rather than
// blocking a write.
func (s *Store) Subscribe(docID string) (<-chan models.Document, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan models.Document, 8)
	if s.subs[docID] == nil {
		s.subs[docID] = make(map[int]chan models.Document)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[docID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.subs[docID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(s.subs, docID)
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(doc *models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[doc.ID] {
		select {
		case ch <- *doc:
		default:
			// drop rather than block the write path
		}
	}
}
