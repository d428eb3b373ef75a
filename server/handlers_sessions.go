package server

import (
	"net/http"
)

// HandleSessions lists the tenant's recorded sessions with lifetime totals.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	recordings, err := h.store.ListRecordings(r.Context(), t.ID, parseIntQuery(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totals, err := h.store.RecordingTotals(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recordings, "totals": totals})
}

// HandleNotifications lists the tenant's persisted notifications.
func (h *Handlers) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	items, err := h.store.ListNotifications(r.Context(), t.ID, parseIntQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleNotificationsRead marks all of the tenant's notifications read.
func (h *Handlers) HandleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	n, err := h.store.MarkNotificationsRead(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
