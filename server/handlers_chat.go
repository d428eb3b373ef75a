package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/telemetry"
)

type statusResponse struct {
	chat.Status
	Channel   string `json:"channel"`
	AutoWatch bool   `json:"autoWatch"`
	Watching  bool   `json:"watching"`
}

// HandleStatus returns the tenant's session snapshot and auto-watch state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    h.pool.Status(t.ID),
		Channel:   t.Channel,
		AutoWatch: t.AutoWatch,
		Watching:  h.watcher.Watching(t.ID),
	})
}

type channelRequest struct {
	Channel   string `json:"channel"`
	AutoWatch *bool  `json:"autoWatch"`
}

// HandleSetChannel stores the tenant's channel and registers or removes its
// auto-watch entry. autoWatch defaults to true.
func (h *Handlers) HandleSetChannel(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := chat.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := ref.String()
	autoWatch := req.AutoWatch == nil || *req.AutoWatch
	if err := h.store.SetChannel(r.Context(), t.ID, channel, autoWatch); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if autoWatch {
		h.watcher.Enable(t.ID, channel)
	} else {
		h.watcher.Disable(t.ID)
	}
	telemetry.LoggerWithCorr(r.Context()).Info("channel updated",
		slog.Int64("tenant", int64(t.ID)), slog.String("channel", channel), slog.Bool("auto_watch", autoWatch), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "autoWatch": autoWatch})
}

// HandleClearChannel forgets the tenant's channel and stops auto-watching it.
func (h *Handlers) HandleClearChannel(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := h.store.SetChannel(r.Context(), t.ID, "", false); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.watcher.Disable(t.ID)
	w.WriteHeader(http.StatusNoContent)
}

type startRequest struct {
	VideoID string `json:"videoId"`
	Channel string `json:"channel"`
}

// HandleChatStart starts the tenant's session on an explicit video, or on the
// current broadcast of a channel when only channel is given.
func (h *Handlers) HandleChatStart(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		target chat.Target
		err    error
	)
	switch {
	case strings.TrimSpace(req.VideoID) != "":
		target, err = h.pool.Start(r.Context(), t.ID, req.VideoID)
	case strings.TrimSpace(req.Channel) != "":
		target, err = h.pool.StartWithChannel(r.Context(), t.ID, req.Channel)
	default:
		writeError(w, http.StatusBadRequest, "videoId or channel is required")
		return
	}
	if err != nil {
		writeError(w, startErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "status": h.pool.Status(t.ID)})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotLive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HandleChatStop stops the tenant's session. Stopping an idle tenant is a no-op.
func (h *Handlers) HandleChatStop(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	h.pool.Stop(r.Context(), t.ID)
	writeJSON(w, http.StatusOK, h.pool.Status(t.ID))
}

// HandleMessages returns the tenant's recent messages, oldest first.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, h.pool.Messages(t.ID, limit))
}
