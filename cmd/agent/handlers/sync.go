package handlers

import (
	"net/http"

	syncengine "github.com/fieldops/sitesync/internal/sync"
)

// SyncHandler exposes sync status and a manual flush trigger.
type SyncHandler struct {
	engine *syncengine.Engine
	signal *syncengine.ManualSignal
}

// NewSyncHandler creates a SyncHandler. signal may be nil when connectivity is
// managed purely by the prober.
func NewSyncHandler(engine *syncengine.Engine, signal *syncengine.ManualSignal) *SyncHandler {
	return &SyncHandler{engine: engine, signal: signal}
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Flush handles POST /api/sync/flush: flush everything pending now instead of
// waiting for the scheduler tick.
func (h *SyncHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SyncAll(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetOnline handles POST /api/sync/online: force the connectivity signal, for
// deployments where the platform knows connectivity better than the prober.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	if h.signal == nil {
		writeError(w, http.StatusConflict, "connectivity is prober-managed")
		return
	}
	online := r.URL.Query().Get("value") != "false"
	h.signal.Set(online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}
