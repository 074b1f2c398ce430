package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func fieldsPayload(t *testing.T, kv map[string]any) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"fields": kv})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestApplyLocalMutationCreatesDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"title": "Pump check"}), "alice")
	if err != nil {
		t.Fatalf("ApplyLocalMutation failed: %v", err)
	}
	if doc.LocalVersion != 1 {
		t.Errorf("Expected local version 1, got %d", doc.LocalVersion)
	}
	if doc.RemoteVersion != 0 {
		t.Errorf("Expected remote version 0 for never-synced doc, got %d", doc.RemoteVersion)
	}
	if doc.SyncState != models.SyncStateOfflineOnly {
		t.Errorf("Expected offline_only state, got %s", doc.SyncState)
	}
	if doc.Title != "Pump check" {
		t.Errorf("Expected title mirror, got %q", doc.Title)
	}

	pending, err := s.Queue().PendingForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("PendingForDocument failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 queue entry, got %d", len(pending))
	}
	if pending[0].BasedOnVersion != 0 {
		t.Errorf("Expected based_on 0, got %d", pending[0].BasedOnVersion)
	}
	if pending[0].AuthorID != "alice" {
		t.Errorf("Expected author alice, got %s", pending[0].AuthorID)
	}
}

func TestApplyLocalMutationQueuesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"draft", "submitted", "approved"} {
		doc, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"status": status}), "alice")
		if err != nil {
			t.Fatalf("ApplyLocalMutation %d failed: %v", i, err)
		}
		if doc.LocalVersion != int64(i+1) {
			t.Errorf("Expected local version %d, got %d", i+1, doc.LocalVersion)
		}
	}

	pending, err := s.Queue().PendingForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("PendingForDocument failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(pending))
	}
	for i, e := range pending {
		if e.BasedOnVersion != int64(i) {
			t.Errorf("Entry %d: expected based_on %d, got %d", i, i, e.BasedOnVersion)
		}
	}
}

func TestApplyLocalMutationRejectsInvalidPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyLocalMutation(ctx, "doc-1", json.RawMessage(`{"summary": "no-op"}`), "alice")
	if apperrors.CodeOf(err) != apperrors.ErrMutationInvalid {
		t.Fatalf("Expected MUTATION_INVALID, got %v", err)
	}

	// nothing was created or enqueued
	if _, err := s.Get(ctx, "doc-1"); !apperrors.IsNotFound(err) {
		t.Errorf("Expected document to not exist, got %v", err)
	}
	depth, _ := s.Queue().Depth(ctx)
	if depth != 0 {
		t.Errorf("Expected empty queue, got depth %d", depth)
	}
}

func TestApplyRemoteSnapshotFirstFetch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := json.RawMessage(`{"title":"HQ copy"}`)
	doc, conflict, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 4, content, "remote")
	if err != nil {
		t.Fatalf("ApplyRemoteSnapshot failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("Expected no conflict on first fetch")
	}
	if doc.LocalVersion != 4 || doc.RemoteVersion != 4 {
		t.Errorf("Expected versions 4/4, got %d/%d", doc.LocalVersion, doc.RemoteVersion)
	}
	if doc.SyncState != models.SyncStateSynced {
		t.Errorf("Expected synced state, got %s", doc.SyncState)
	}

	cur, err := s.Ledger().Current(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.Version != 4 {
		t.Errorf("Expected ledger current 4, got %d", cur.Version)
	}
}

func TestApplyRemoteSnapshotOlderVersionIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 4, json.RawMessage(`{"v":4}`), "remote"); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	doc, conflict, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 3, json.RawMessage(`{"v":3}`), "remote")
	if err != nil {
		t.Fatalf("ApplyRemoteSnapshot failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("Stale snapshot must not raise a conflict")
	}
	if !bytes.Equal(doc.Content, json.RawMessage(`{"v":4}`)) {
		t.Errorf("Stale snapshot must not change content, got %s", doc.Content)
	}
}

func TestApplyRemoteSnapshotFastForwardsWithoutPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":1}`), "remote"); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	doc, conflict, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 2, json.RawMessage(`{"v":2}`), "remote")
	if err != nil {
		t.Fatalf("ApplyRemoteSnapshot failed: %v", err)
	}
	if conflict != nil {
		t.Fatal("Expected clean fast-forward")
	}
	if doc.LocalVersion != 2 || doc.RemoteVersion != 2 {
		t.Errorf("Expected versions 2/2, got %d/%d", doc.LocalVersion, doc.RemoteVersion)
	}

	versions, err := s.VersionHistory(ctx, "doc-1")
	if err != nil {
		t.Fatalf("VersionHistory failed: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("Expected 2 ledger rows, got %d", len(versions))
	}
}

func TestApplyRemoteSnapshotRaisesConflictOverPendingEdits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"status":"draft"}`), "remote"); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	local, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"status": "field-updated"}), "alice")
	if err != nil {
		t.Fatalf("ApplyLocalMutation failed: %v", err)
	}

	remoteContent := json.RawMessage(`{"status":"hq-updated"}`)
	doc, conflict, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 2, remoteContent, "remote")
	if err != nil {
		t.Fatalf("ApplyRemoteSnapshot failed: %v", err)
	}
	if conflict == nil {
		t.Fatal("Expected a conflict")
	}
	if doc.SyncState != models.SyncStateConflict {
		t.Errorf("Expected conflict state, got %s", doc.SyncState)
	}
	if !bytes.Equal(conflict.LocalContent, local.Content) {
		t.Errorf("Conflict local content mismatch: %s vs %s", conflict.LocalContent, local.Content)
	}
	if !bytes.Equal(conflict.RemoteContent, remoteContent) {
		t.Errorf("Conflict remote content mismatch: %s", conflict.RemoteContent)
	}
	if conflict.BaseVersion != 1 {
		t.Errorf("Expected base version 1, got %d", conflict.BaseVersion)
	}
	if conflict.RemoteVersion != 2 {
		t.Errorf("Expected remote version 2, got %d", conflict.RemoteVersion)
	}

	// local content is untouched until the user decides
	if !bytes.Equal(doc.Content, local.Content) {
		t.Errorf("Local content must survive conflict detection, got %s", doc.Content)
	}
}

func TestRepeatedDivergenceKeepsSingleConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":"base"}`), "remote"); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}
	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"v": "local"}), "alice"); err != nil {
		t.Fatalf("ApplyLocalMutation failed: %v", err)
	}

	first, err := s.RaiseConflict(ctx, "doc-1", 2, json.RawMessage(`{"v":"remote-2"}`))
	if err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}
	second, err := s.RaiseConflict(ctx, "doc-1", 3, json.RawMessage(`{"v":"remote-3"}`))
	if err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}

	if second.BaseVersion != first.BaseVersion {
		t.Errorf("Refreshed conflict must keep original base version, got %d", second.BaseVersion)
	}
	if second.DetectedAt != first.DetectedAt {
		t.Errorf("Refreshed conflict must keep original detection time")
	}
	if second.RemoteVersion != 3 {
		t.Errorf("Refreshed conflict must carry latest remote head, got %d", second.RemoteVersion)
	}

	open, err := s.OpenConflict(ctx, "doc-1")
	if err != nil {
		t.Fatalf("OpenConflict failed: %v", err)
	}
	if open == nil || open.RemoteVersion != 3 {
		t.Error("Expected exactly one open conflict at the latest remote head")
	}
}

func TestConfirmFlushedConvergesWhenQueueDrains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"a": "1"}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"b": "2"}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	entry, err := s.Queue().PeekNext(ctx, "doc-1")
	if err != nil || entry == nil {
		t.Fatalf("PeekNext failed: %v", err)
	}
	doc, err := s.ConfirmFlushed(ctx, entry, 1)
	if err != nil {
		t.Fatalf("ConfirmFlushed failed: %v", err)
	}
	if doc.SyncState != models.SyncStatePending {
		t.Errorf("Expected pending while queue remains, got %s", doc.SyncState)
	}
	if doc.RemoteVersion != 1 {
		t.Errorf("Expected remote version 1, got %d", doc.RemoteVersion)
	}

	entry, err = s.Queue().PeekNext(ctx, "doc-1")
	if err != nil || entry == nil {
		t.Fatalf("PeekNext failed: %v", err)
	}
	doc, err = s.ConfirmFlushed(ctx, entry, 2)
	if err != nil {
		t.Fatalf("ConfirmFlushed failed: %v", err)
	}
	if doc.SyncState != models.SyncStateSynced {
		t.Errorf("Expected synced after drain, got %s", doc.SyncState)
	}
	if doc.LocalVersion != 2 || doc.RemoteVersion != 2 {
		t.Errorf("Expected versions 2/2, got %d/%d", doc.LocalVersion, doc.RemoteVersion)
	}

	cur, err := s.Ledger().Current(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if !bytes.Equal(cur.Content, doc.Content) {
		t.Errorf("Drained content must equal confirmed head: %s vs %s", doc.Content, cur.Content)
	}
}

func TestResolveKeepLocalRebasesChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":"base"}`), "remote"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"v": "local-1"}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	local, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"w": "local-2"}), "alice")
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if _, err := s.RaiseConflict(ctx, "doc-1", 5, json.RawMessage(`{"v":"remote"}`)); err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}

	result, err := s.Resolve(ctx, "doc-1", models.ResolutionKeepLocal, nil, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Discarded != 0 {
		t.Errorf("keep-local must not discard anything, got %d", result.Discarded)
	}
	if !bytes.Equal(result.Document.Content, local.Content) {
		t.Errorf("keep-local must leave local content untouched, got %s", result.Document.Content)
	}
	if result.Document.RemoteVersion != 5 {
		t.Errorf("Expected remote version 5, got %d", result.Document.RemoteVersion)
	}
	if result.Document.LocalVersion != 7 {
		t.Errorf("Expected local version 5+2 pending, got %d", result.Document.LocalVersion)
	}

	pending, err := s.Queue().PendingForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("PendingForDocument failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 rebased entries, got %d", len(pending))
	}
	if pending[0].BasedOnVersion != 5 || pending[1].BasedOnVersion != 6 {
		t.Errorf("Expected rebase onto 5,6; got %d,%d", pending[0].BasedOnVersion, pending[1].BasedOnVersion)
	}

	// the divergent remote head entered confirmed history
	head, err := s.Ledger().Get(ctx, "doc-1", 5)
	if err != nil {
		t.Fatalf("Ledger get failed: %v", err)
	}
	if !bytes.Equal(head.Content, json.RawMessage(`{"v":"remote"}`)) {
		t.Errorf("Remote head must be recorded, got %s", head.Content)
	}

	if open, _ := s.OpenConflict(ctx, "doc-1"); open != nil {
		t.Error("Conflict must be closed after resolution")
	}
}

func TestResolveKeepRemoteReportsDiscardedCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":"base"}`), "remote"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"v": "local"}), "alice"); err != nil {
			t.Fatalf("mutation failed: %v", err)
		}
	}
	remote := json.RawMessage(`{"v":"remote"}`)
	if _, err := s.RaiseConflict(ctx, "doc-1", 4, remote); err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}

	result, err := s.Resolve(ctx, "doc-1", models.ResolutionKeepRemote, nil, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Discarded != 3 {
		t.Errorf("Expected 3 discarded mutations acknowledged, got %d", result.Discarded)
	}
	if !bytes.Equal(result.Document.Content, remote) {
		t.Errorf("Expected remote content, got %s", result.Document.Content)
	}
	if result.Document.SyncState != models.SyncStateSynced {
		t.Errorf("Expected synced, got %s", result.Document.SyncState)
	}
	depth, _ := s.Queue().Depth(ctx)
	if depth != 0 {
		t.Errorf("Expected empty queue, got %d", depth)
	}
}

func TestResolveMergeEnqueuesMergedPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":"base"}`), "remote"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"v": "local"}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if _, err := s.RaiseConflict(ctx, "doc-1", 2, json.RawMessage(`{"v":"remote"}`)); err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}

	merged := fieldsPayload(t, map[string]any{"v": "merged"})
	result, err := s.Resolve(ctx, "doc-1", models.ResolutionMerge, merged, "alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Discarded != 1 {
		t.Errorf("Expected 1 superseded mutation, got %d", result.Discarded)
	}
	if result.Document.SyncState != models.SyncStatePending {
		t.Errorf("Merged result must be pending transmission, got %s", result.Document.SyncState)
	}

	pending, err := s.Queue().PendingForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("PendingForDocument failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected single merged entry, got %d", len(pending))
	}
	if pending[0].BasedOnVersion != 2 {
		t.Errorf("Merged entry must be based on the remote head, got %d", pending[0].BasedOnVersion)
	}

	var content map[string]any
	if err := json.Unmarshal(result.Document.Content, &content); err != nil {
		t.Fatalf("content unmarshal failed: %v", err)
	}
	if content["v"] != "merged" {
		t.Errorf("Expected merged content, got %v", content["v"])
	}
}

func TestResolveWithoutConflictFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"a": 1}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	_, err := s.Resolve(ctx, "doc-1", models.ResolutionKeepLocal, nil, "alice")
	if apperrors.CodeOf(err) != apperrors.ErrNoConflict {
		t.Fatalf("Expected NO_CONFLICT, got %v", err)
	}
}

func TestResolveMergeRequiresPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"a": 1}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if _, err := s.RaiseConflict(ctx, "doc-1", 2, json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}
	_, err := s.Resolve(ctx, "doc-1", models.ResolutionMerge, nil, "alice")
	if apperrors.CodeOf(err) != apperrors.ErrInvalid {
		t.Fatalf("Expected INVALID_INPUT, got %v", err)
	}
}

func TestMutationsKeepEnqueuingDuringOpenConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"a": 1}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if _, err := s.RaiseConflict(ctx, "doc-1", 2, json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}

	doc, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"b": 2}), "alice")
	if err != nil {
		t.Fatalf("Mutation during conflict must succeed locally: %v", err)
	}
	if doc.SyncState != models.SyncStateConflict {
		t.Errorf("Conflict state must survive further edits, got %s", doc.SyncState)
	}
	count, _ := s.Queue().CountForDocument(ctx, "doc-1")
	if count != 2 {
		t.Errorf("Expected 2 queued entries, got %d", count)
	}
}

func TestRollbackCreatesForwardVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 1, json.RawMessage(`{"v":"one"}`), "remote"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := s.ApplyRemoteSnapshot(ctx, "doc-1", 2, json.RawMessage(`{"v":"two"}`), "remote"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	doc, err := s.Rollback(ctx, "doc-1", 1, "alice")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if doc.LocalVersion != 3 {
		t.Errorf("Rollback must advance, not rewind: got version %d", doc.LocalVersion)
	}
	var content map[string]any
	if err := json.Unmarshal(doc.Content, &content); err != nil {
		t.Fatalf("content unmarshal failed: %v", err)
	}
	if content["v"] != "one" {
		t.Errorf("Expected restored content, got %v", content["v"])
	}

	// history still holds both originals
	versions, err := s.VersionHistory(ctx, "doc-1")
	if err != nil {
		t.Fatalf("VersionHistory failed: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("Ledger must keep confirmed history intact, got %d rows", len(versions))
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe("doc-1")
	defer cancel()

	if _, err := s.ApplyLocalMutation(ctx, "doc-1", fieldsPayload(t, map[string]any{"a": 1}), "alice"); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	select {
	case doc := <-ch:
		if doc.ID != "doc-1" {
			t.Errorf("Expected doc-1 notification, got %s", doc.ID)
		}
	default:
		t.Fatal("Expected a buffered notification")
	}
}
