package authority

import (
	"encoding/json"
	"io"
	"net/http"

	apperrors "github.com/fieldops/sitesync/internal/errors"
	"github.com/fieldops/sitesync/internal/logging"
)

// Handler serves the authority HTTP API:
//
//	GET  /v1/documents/{id}/latest     -> 200 Snapshot | 404
//	POST /v1/documents/{id}/mutations  -> 200 {new_version} | 409 {current_version, current_content}
func Handler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/documents/{id}/latest", func(w http.ResponseWriter, r *http.Request) {
		docID := r.PathValue("id")
		snap, err := svc.FetchLatest(r.Context(), docID)
		if apperrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		if err != nil {
			logging.Error("fetch latest failed", err, map[string]interface{}{"document_id": docID})
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("POST /v1/documents/{id}/mutations", func(w http.ResponseWriter, r *http.Request) {
		docID := r.PathValue("id")

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		var req MutationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed mutation request")
			return
		}
		if req.EntryID == "" || len(req.Payload) == 0 {
			writeError(w, http.StatusBadRequest, "entry_id and payload are required")
			return
		}

		result, err := svc.ApplyMutation(r.Context(), docID, req)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.ErrMutationInvalid {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logging.Error("apply mutation failed", err, map[string]interface{}{
				"document_id": docID,
				"entry_id":    req.EntryID,
			})
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !result.Accepted {
			// divergence signal: stale base version
			writeJSON(w, http.StatusConflict, result)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// probed by devices to detect connectivity flips
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
