// Package annotations implements the annotation overlay: comments and
// suggestions anchored to specific document versions. Annotations live beside
// document content, never inside it, so annotating cannot create sync
// conflicts. Only accepting a suggestion touches content, and it does so
// through the ordinary local mutation path.
package annotations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/sitesync/internal/collab"
	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/mutation"
	"github.com/fieldops/sitesync/internal/store"
)

// Service manages the annotation overlay for locally stored documents.
type Service struct {
	db    *store.DB
	store *store.Store
	bus   collab.Bus
}

// New creates an annotation Service. bus may be nil when no collaboration
// session is running; overlay updates are then simply not broadcast.
func New(db *store.DB, st *store.Store, bus collab.Bus) *Service {
	return &Service{db: db, store: st, bus: bus}
}

// AddComment attaches a comment to the document's current version at the
// given position.
func (s *Service) AddComment(ctx context.Context, docID, authorID, body string, anchor models.CursorPosition) (*models.Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "comment body is empty")
	}
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	c := &models.Comment{
		ID:            models.UUID(uuid.NewString()),
		DocumentID:    docID,
		AnchorVersion: doc.LocalVersion,
		Anchor:        anchor,
		AnchorLine:    anchor.Line,
		AnchorColumn:  anchor.Column,
		Body:          body,
		AuthorID:      authorID,
		Status:        models.CommentStatusOpen,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := insertComment(ctx, s.db.DB, c); err != nil {
		return nil, err
	}
	s.publish(collab.EventCommentAdded, docID, authorID, c)
	return c, nil
}

// ResolveComment marks an open comment resolved. Resolving twice is an error.
func (s *Service) ResolveComment(ctx context.Context, commentID, userID string) (*models.Comment, error) {
	c, err := getComment(ctx, s.db.DB, commentID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CommentStatusResolved {
		return nil, apperrors.New(apperrors.ErrInvalid, "comment is already resolved")
	}
	c.Status = models.CommentStatusResolved
	if err := setCommentStatus(ctx, s.db.DB, commentID, c.Status); err != nil {
		return nil, err
	}
	s.publish(collab.EventCommentResolved, c.DocumentID, userID, c)
	return c, nil
}

// ListComments returns the document's comments, oldest first. Comments whose
// anchor version is behind the document's current version are still returned;
// the anchor is interpreted against AnchorVersion, not remapped.
func (s *Service) ListComments(ctx context.Context, docID string) ([]models.Comment, error) {
	return listComments(ctx, s.db.DB, docID)
}

// AddSuggestion proposes replacing originalText with suggestedText inside one
// content field, anchored to the document's current version.
func (s *Service) AddSuggestion(ctx context.Context, docID, authorID, field, originalText, suggestedText string) (*models.Suggestion, error) {
	if field == "" || originalText == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "suggestion needs a field and original text")
	}
	doc, err := s.store.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if current, ok := fieldText(doc.Content, field); !ok || !strings.Contains(current, originalText) {
		return nil, apperrors.New(apperrors.ErrAnchorStale, "original text not found in field")
	}

	sg := &models.Suggestion{
		ID:            models.UUID(uuid.NewString()),
		DocumentID:    docID,
		AnchorVersion: doc.LocalVersion,
		Field:         field,
		OriginalText:  originalText,
		SuggestedText: suggestedText,
		AuthorID:      authorID,
		Status:        models.SuggestionStatusPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := insertSuggestion(ctx, s.db.DB, sg); err != nil {
		return nil, err
	}
	s.publish(collab.EventSuggestionAdded, docID, authorID, sg)
	return sg, nil
}

// ListSuggestions returns the document's suggestions, oldest first.
func (s *Service) ListSuggestions(ctx context.Context, docID string) ([]models.Suggestion, error) {
	return listSuggestions(ctx, s.db.DB, docID)
}

// AcceptSuggestion applies a pending suggestion to the document as a local
// mutation attributed to the accepting user. If the document has moved on and
// the anchored text no longer appears in the field, acceptance fails with a
// stale-anchor error and the suggestion stays pending for the user to re-apply
// by hand or reject.
func (s *Service) AcceptSuggestion(ctx context.Context, suggestionID, userID string) (*models.Suggestion, error) {
	sg, err := getSuggestion(ctx, s.db.DB, suggestionID)
	if err != nil {
		return nil, err
	}
	if sg.Status != models.SuggestionStatusPending {
		return nil, apperrors.New(apperrors.ErrInvalid, "suggestion is not pending")
	}

	doc, err := s.store.Get(ctx, sg.DocumentID)
	if err != nil {
		return nil, err
	}
	current, ok := fieldText(doc.Content, sg.Field)
	if !ok || !strings.Contains(current, sg.OriginalText) {
		logging.Warn("suggestion anchor stale", map[string]interface{}{
			"document_id":   sg.DocumentID,
			"suggestion_id": suggestionID,
		})
		return nil, apperrors.New(apperrors.ErrAnchorStale, "anchored text no longer present")
	}

	replaced := strings.Replace(current, sg.OriginalText, sg.SuggestedText, 1)
	payload, err := mutation.SetFields(map[string]any{sg.Field: replaced},
		fmt.Sprintf("accepted suggestion by %s", sg.AuthorID))
	if err != nil {
		return nil, err
	}
	if _, err := s.store.ApplyLocalMutation(ctx, sg.DocumentID, payload, userID); err != nil {
		return nil, err
	}

	sg.Status = models.SuggestionStatusAccepted
	if err := setSuggestionStatus(ctx, s.db.DB, suggestionID, sg.Status); err != nil {
		return nil, err
	}
	s.publish(collab.EventSuggestionUpdated, sg.DocumentID, userID, sg)
	return sg, nil
}

// RejectSuggestion marks a pending suggestion rejected without touching
// content.
func (s *Service) RejectSuggestion(ctx context.Context, suggestionID, userID string) (*models.Suggestion, error) {
	sg, err := getSuggestion(ctx, s.db.DB, suggestionID)
	if err != nil {
		return nil, err
	}
	if sg.Status != models.SuggestionStatusPending {
		return nil, apperrors.New(apperrors.ErrInvalid, "suggestion is not pending")
	}
	sg.Status = models.SuggestionStatusRejected
	if err := setSuggestionStatus(ctx, s.db.DB, suggestionID, sg.Status); err != nil {
		return nil, err
	}
	s.publish(collab.EventSuggestionUpdated, sg.DocumentID, userID, sg)
	return sg, nil
}

func (s *Service) publish(typ collab.EventType, docID, userID string, body interface{}) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	s.bus.Publish(collab.Event{
		Type:       typ,
		DocumentID: docID,
		UserID:     userID,
		Payload:    payload,
	})
}

// fieldText extracts a string-valued field from document content.
func fieldText(content json.RawMessage, field string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(content, &m); err != nil {
		return "", false
	}
	raw, ok := m[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
