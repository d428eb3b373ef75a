package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatpool/db"
	"github.com/onnwee/chatpool/telemetry"
)

// HandleAdminPool returns pool-wide statistics.
func (h *Handlers) HandleAdminPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

// HandleAdminCreateTenant creates a tenant and returns it with its overlay token.
func (h *Handlers) HandleAdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	t, err := h.store.CreateTenant(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("tenant created", slog.Int64("tenant", int64(t.ID)), slog.String("component", "admin"))
	writeJSON(w, http.StatusCreated, t)
}

// HandleAdminStopTenant force-stops a tenant's session.
func (h *Handlers) HandleAdminStopTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTenant(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	h.pool.Stop(r.Context(), id)
	writeJSON(w, http.StatusOK, h.pool.Status(id))
}

// HandleAdminSuspendTenant suspends (default) or reinstates a tenant.
// Suspension stops the session and drops the auto-watch entry; reinstating a
// tenant with an auto-watch channel registers it again.
func (h *Handlers) HandleAdminSuspendTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTenant(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}
	req := struct {
		Suspended *bool `json:"suspended"`
	}{}
	if !decodeJSON(w, r, &req) {
		return
	}
	suspended := req.Suspended == nil || *req.Suspended

	err := h.store.SetSuspended(r.Context(), id, suspended)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.Int64("tenant", int64(id)), slog.String("component", "admin"))
	if suspended {
		h.watcher.Disable(id)
		h.pool.Stop(r.Context(), id)
		log.Info("tenant suspended")
	} else {
		t, err := h.store.GetTenant(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if t.AutoWatch && t.Channel != "" {
			h.watcher.Enable(id, t.Channel)
		}
		log.Info("tenant reinstated")
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "suspended": suspended})
}
