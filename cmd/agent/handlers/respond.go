// Package handlers provides the device-local REST API: document access,
// conflict resolution, sync status and the annotation overlay. The API binds
// to the device loopback address; author identity comes from the session
// token shared with the websocket handshake.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps application error codes onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperrors.ErrInvalid, apperrors.ErrMutationInvalid, apperrors.ErrNoConflict:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperrors.ErrAnchorStale, apperrors.ErrConflictOpen:
		writeError(w, http.StatusConflict, err.Error())
	case apperrors.ErrUnauthorized:
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
