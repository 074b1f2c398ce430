package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fieldops/sitesync/internal/collab"
	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/store"
	syncengine "github.com/fieldops/sitesync/internal/sync"
)

// DocumentHandler serves document reads, local mutations, version history and
// conflict resolution.
type DocumentHandler struct {
	store  *store.Store
	engine *syncengine.Engine
	secret string
}

// NewDocumentHandler creates a DocumentHandler.
func NewDocumentHandler(st *store.Store, engine *syncengine.Engine, jwtSecret string) *DocumentHandler {
	return &DocumentHandler{store: st, engine: engine, secret: jwtSecret}
}

// List handles GET /api/documents.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.store.List(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// Get handles GET /api/documents/{id}. The response includes the per-document
// sync state and queue depth so a client can render "N changes pending".
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	doc, err := h.store.Get(r.Context(), docID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	pending, err := h.store.Queue().CountForDocument(r.Context(), docID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":      doc,
		"pending_count": pending,
		"flush_state":   h.engine.State(docID),
	})
}

// Mutate handles POST /api/documents/{id}/mutations. The body is the mutation
// payload itself; it is applied locally and queued, never sent inline.
func (h *DocumentHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	doc, err := h.store.ApplyLocalMutation(r.Context(), docID, payload, author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

// History handles GET /api/documents/{id}/versions.
func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	versions, err := h.store.VersionHistory(r.Context(), docID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// Rollback handles POST /api/documents/{id}/rollback. Restoring an old
// version is a new forward change, not history rewriting.
func (h *DocumentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	doc, err := h.store.Rollback(r.Context(), docID, req.Version, author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

// Conflict handles GET /api/documents/{id}/conflict, returning both full
// versions side by side for the resolution UI.
func (h *DocumentHandler) Conflict(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	conflict, err := h.store.OpenConflict(r.Context(), docID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if conflict == nil {
		writeJSON(w, http.StatusOK, map[string]any{"conflict": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": conflict})
}

// Resolve handles POST /api/documents/{id}/resolve.
func (h *DocumentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	author, err := collab.AuthorFromRequest(r, h.secret)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var req struct {
		Resolution models.Resolution `json:"resolution"`
		Merged     json.RawMessage   `json:"merged,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Resolution {
	case models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionMerge:
	default:
		writeError(w, http.StatusBadRequest, "resolution must be keep_local, keep_remote or merge")
		return
	}
	result, err := h.engine.Resolve(r.Context(), docID, req.Resolution, req.Merged, author)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": result.Resolution,
		"discarded":  result.Discarded,
		"document":   result.Document,
	})
}

// Refresh handles POST /api/documents/{id}/refresh: pull the latest remote
// snapshot and reconcile it locally.
func (h *DocumentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	doc, conflict, err := h.engine.Refresh(r.Context(), docID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": doc,
		"conflict": conflict,
	})
}
