package annotations

import (
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	return New(db, st, nil), st
}

func seedDocument(t *testing.T, st *store.Store, docID string, fields map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := st.ApplyLocalMutation(context.Background(), docID, payload, "setup"); err != nil {
		t.Fatalf("seed mutation failed: %v", err)
	}
}

func TestAddCommentAnchorsToCurrentVersion(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedDocument(t, st, "doc-1", map[string]any{"body": "pipeline section 4 leaks"})

	c, err := svc.AddComment(ctx, "doc-1", "alice", "verify with thermal cam", models.CursorPosition{Line: 3, Column: 7})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if c.AnchorVersion != 1 {
		t.Errorf("Expected anchor at version 1, got %d", c.AnchorVersion)
	}
	if c.Status != models.CommentStatusOpen {
		t.Errorf("Expected open status, got %s", c.Status)
	}

	// the anchor survives document advancement unchanged
	seedDocument(t, st, "doc-1", map[string]any{"body": "rewritten"})
	comments, err := svc.ListComments(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListComments failed: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("Expected 1 comment, got %d", len(comments))
	}
	if comments[0].AnchorVersion != 1 || comments[0].Anchor.Line != 3 {
		t.Errorf("Anchor must stay at its original version, got %+v", comments[0])
	}
}

func TestAddCommentRejectsEmptyBody(t *testing.T) {
	svc, st := newTestService(t)
	seedDocument(t, st, "doc-1", map[string]any{"a": 1})

	_, err := svc.AddComment(context.Background(), "doc-1", "alice", "   ", models.CursorPosition{})
	if apperrors.CodeOf(err) != apperrors.ErrInvalid {
		t.Fatalf("Expected INVALID_INPUT, got %v", err)
	}
}

func TestResolveCommentOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedDocument(t, st, "doc-1", map[string]any{"a": 1})

	c, err := svc.AddComment(ctx, "doc-1", "alice", "check this", models.CursorPosition{})
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	resolved, err := svc.ResolveComment(ctx, string(c.ID), "bob")
	if err != nil {
		t.Fatalf("ResolveComment failed: %v", err)
	}
	if resolved.Status != models.CommentStatusResolved {
		t.Errorf("Expected resolved, got %s", resolved.Status)
	}
	if _, err := svc.ResolveComment(ctx, string(c.ID), "bob"); err == nil {
		t.Error("Resolving twice must fail")
	}
}

func TestAcceptSuggestionAppliesMutation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedDocument(t, st, "doc-1", map[string]any{"body": "inspect valve 12 monthly"})

	sg, err := svc.AddSuggestion(ctx, "doc-1", "alice", "body", "monthly", "weekly")
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	if sg.Status != models.SuggestionStatusPending {
		t.Errorf("Expected pending, got %s", sg.Status)
	}

	accepted, err := svc.AcceptSuggestion(ctx, string(sg.ID), "bob")
	if err != nil {
		t.Fatalf("AcceptSuggestion failed: %v", err)
	}
	if accepted.Status != models.SuggestionStatusAccepted {
		t.Errorf("Expected accepted, got %s", accepted.Status)
	}

	doc, err := st.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var content map[string]any
	if err := json.Unmarshal(doc.Content, &content); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if content["body"] != "inspect valve 12 weekly" {
		t.Errorf("Expected applied suggestion, got %v", content["body"])
	}
	if doc.LocalVersion != 2 {
		t.Errorf("Acceptance must go through the mutation path, version %d", doc.LocalVersion)
	}

	// the acceptance is queued for sync like any edit
	count, _ := st.Queue().CountForDocument(ctx, "doc-1")
	if count != 2 {
		t.Errorf("Expected seed + acceptance queued, got %d", count)
	}
}

func TestAcceptSuggestionStaleAnchor(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedDocument(t, st, "doc-1", map[string]any{"body": "original wording here"})

	sg, err := svc.AddSuggestion(ctx, "doc-1", "alice", "body", "original wording", "new wording")
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}

	// the document moves on before anyone accepts
	seedDocument(t, st, "doc-1", map[string]any{"body": "completely rewritten"})

	_, err = svc.AcceptSuggestion(ctx, string(sg.ID), "bob")
	if apperrors.CodeOf(err) != apperrors.ErrAnchorStale {
		t.Fatalf("Expected ANCHOR_STALE, got %v", err)
	}

	// the suggestion stays pending for a manual decision
	list, err := svc.ListSuggestions(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ListSuggestions failed: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.SuggestionStatusPending {
		t.Errorf("Stale suggestion must stay pending, got %+v", list)
	}
}

func TestAddSuggestionRequiresMatchingText(t *testing.T) {
	svc, st := newTestService(t)
	seedDocument(t, st, "doc-1", map[string]any{"body": "actual text"})

	_, err := svc.AddSuggestion(context.Background(), "doc-1", "alice", "body", "nonexistent text", "x")
	if apperrors.CodeOf(err) != apperrors.ErrAnchorStale {
		t.Fatalf("Expected ANCHOR_STALE, got %v", err)
	}
	_, err = svc.AddSuggestion(context.Background(), "doc-1", "alice", "missing_field", "actual", "x")
	if apperrors.CodeOf(err) != apperrors.ErrAnchorStale {
		t.Fatalf("Expected ANCHOR_STALE for unknown field, got %v", err)
	}
}

func TestRejectSuggestionLeavesContentAlone(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedDocument(t, st, "doc-1", map[string]any{"body": "keep me"})

	sg, err := svc.AddSuggestion(ctx, "doc-1", "alice", "body", "keep me", "change me")
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	rejected, err := svc.RejectSuggestion(ctx, string(sg.ID), "bob")
	if err != nil {
		t.Fatalf("RejectSuggestion failed: %v", err)
	}
	if rejected.Status != models.SuggestionStatusRejected {
		t.Errorf("Expected rejected, got %s", rejected.Status)
	}

	doc, _ := st.Get(ctx, "doc-1")
	var content map[string]any
	if err := json.Unmarshal(doc.Content, &content); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if content["body"] != "keep me" {
		t.Errorf("Rejection must not touch content, got %v", content["body"])
	}
	if _, err := svc.AcceptSuggestion(ctx, string(sg.ID), "bob"); err == nil {
		t.Error("Accepting a rejected suggestion must fail")
	}
}
