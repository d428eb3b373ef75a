package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/chatpool/db"
)

// HandleDashboardSocket upgrades an operator socket for the resolved tenant.
func (h *Handlers) HandleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	h.hub.ServeDashboard(w, r, t.ID, isAdmin(r, h.cfg.Admin), h.pool)
}

// HandleOverlaySocket upgrades a public overlay socket identified by the
// tenant's overlay token.
func (h *Handlers) HandleOverlaySocket(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.TenantByOverlayToken(r.Context(), r.PathValue("token"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown overlay")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.hub.ServeOverlay(w, r, t.ID, h.pool)
}
