package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

func TestApplyMutationAcceptsAtHead(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	result, err := svc.ApplyMutation(ctx, "doc-1", MutationRequest{
		EntryID: "e1", AuthorID: "alice", BasedOnVersion: 0,
		Payload: json.RawMessage(`{"fields": {"title": "Report"}}`),
	})
	if err != nil {
		t.Fatalf("ApplyMutation failed: %v", err)
	}
	if !result.Accepted || result.NewVersion != 1 {
		t.Fatalf("Expected acceptance at version 1, got %+v", result)
	}

	snap, err := svc.FetchLatest(ctx, "doc-1")
	if err != nil {
		t.Fatalf("FetchLatest failed: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(snap.Content, &doc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if doc["title"] != "Report" {
		t.Errorf("Expected applied content, got %v", doc)
	}
}

func TestApplyMutationRejectsStaleBase(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	if _, err := svc.ApplyMutation(ctx, "doc-1", MutationRequest{
		EntryID: "e1", BasedOnVersion: 0,
		Payload: json.RawMessage(`{"fields": {"v": "one"}}`),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := svc.ApplyMutation(ctx, "doc-1", MutationRequest{
		EntryID: "e2", BasedOnVersion: 1,
		Payload: json.RawMessage(`{"fields": {"v": "two"}}`),
	}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	// a second device still based on version 1
	result, err := svc.ApplyMutation(ctx, "doc-1", MutationRequest{
		EntryID: "e3", BasedOnVersion: 1,
		Payload: json.RawMessage(`{"fields": {"v": "stale"}}`),
	})
	if err != nil {
		t.Fatalf("ApplyMutation failed: %v", err)
	}
	if result.Accepted {
		t.Fatal("Stale base must be rejected")
	}
	if result.CurrentVersion != 2 {
		t.Errorf("Rejection must carry current head version, got %d", result.CurrentVersion)
	}
	if len(result.CurrentContent) == 0 {
		t.Error("Rejection must carry current head content")
	}

	// the rejection changed nothing
	snap, _ := svc.FetchLatest(ctx, "doc-1")
	if snap.Version != 2 {
		t.Errorf("Rejected mutation must not advance the head, got %d", snap.Version)
	}
}

func TestApplyMutationReplayIsIdempotent(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()

	req := MutationRequest{
		EntryID: "e1", BasedOnVersion: 0,
		Payload: json.RawMessage(`{"fields": {"v": "one"}}`),
	}
	first, err := svc.ApplyMutation(ctx, "doc-1", req)
	if err != nil {
		t.Fatalf("ApplyMutation failed: %v", err)
	}
	before, _ := svc.FetchLatest(ctx, "doc-1")

	// the ack was lost; the device sends the same entry again
	replay, err := svc.ApplyMutation(ctx, "doc-1", req)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !replay.Accepted || replay.NewVersion != first.NewVersion {
		t.Errorf("Replay must return the original version, got %+v", replay)
	}

	after, _ := svc.FetchLatest(ctx, "doc-1")
	if after.Version != before.Version || !bytes.Equal(after.Content, before.Content) {
		t.Error("Replay must not change the document")
	}
}

func TestApplyMutationInvalidPayload(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	_, err := svc.ApplyMutation(context.Background(), "doc-1", MutationRequest{
		EntryID: "e1", BasedOnVersion: 0,
		Payload: json.RawMessage(`{"wat": true}`),
	})
	if apperrors.CodeOf(err) != apperrors.ErrMutationInvalid {
		t.Fatalf("Expected MUTATION_INVALID, got %v", err)
	}
}

func TestFetchLatestUnknownDocument(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	_, err := svc.FetchLatest(context.Background(), "ghost")
	if !apperrors.IsNotFound(err) {
		t.Fatalf("Expected NOT_FOUND, got %v", err)
	}
}
