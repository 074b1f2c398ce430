package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fieldops/sitesync/internal/annotations"
	"github.com/fieldops/sitesync/internal/collab"
	"github.com/fieldops/sitesync/internal/models"
)

// AnnotationHandler serves the comment and suggestion overlay.
type AnnotationHandler struct {
	svc    *annotations.Service
	secret string
}

// NewAnnotationHandler creates an AnnotationHandler.
func NewAnnotationHandler(svc *annotations.Service, jwtSecret string) *AnnotationHandler {
	return &AnnotationHandler{svc: svc, secret: jwtSecret}
}

// ListComments handles GET /api/documents/{id}/comments.
func (h *AnnotationHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.svc.ListComments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

// AddComment handles POST /api/documents/{id}/comments.
func (h *AnnotationHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req struct {
		Body   string                `json:"body"`
		Anchor models.CursorPosition `json:"anchor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	comment, err := h.svc.AddComment(r.Context(), r.PathValue("id"), author, req.Body, req.Anchor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
}

// ResolveComment handles POST /api/comments/{id}/resolve.
func (h *AnnotationHandler) ResolveComment(w http.ResponseWriter, r *http.Request) {
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	comment, err := h.svc.ResolveComment(r.Context(), r.PathValue("id"), author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment": comment})
}

// ListSuggestions handles GET /api/documents/{id}/suggestions.
func (h *AnnotationHandler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.svc.ListSuggestions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// AddSuggestion handles POST /api/documents/{id}/suggestions.
func (h *AnnotationHandler) AddSuggestion(w http.ResponseWriter, r *http.Request) {
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req struct {
		Field         string `json:"field"`
		OriginalText  string `json:"original_text"`
		SuggestedText string `json:"suggested_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	suggestion, err := h.svc.AddSuggestion(r.Context(), r.PathValue("id"), author,
		req.Field, req.OriginalText, req.SuggestedText)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"suggestion": suggestion})
}

// AcceptSuggestion handles POST /api/suggestions/{id}/accept.
func (h *AnnotationHandler) AcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	suggestion, err := h.svc.AcceptSuggestion(r.Context(), r.PathValue("id"), author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestion})
}

// RejectSuggestion handles POST /api/suggestions/{id}/reject.
func (h *AnnotationHandler) RejectSuggestion(w http.ResponseWriter, r *http.Request) {
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	suggestion, err := h.svc.RejectSuggestion(r.Context(), r.PathValue("id"), author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestion})
}
