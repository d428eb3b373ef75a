package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/config"
	"github.com/onnwee/chatpool/realtime"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 16

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg     *config.Config
	pool    ChatPool
	watcher AutoWatcher
	store   TenantStore
	hub     *realtime.Hub
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		cfg:     deps.Config,
		pool:    deps.Pool,
		watcher: deps.Watcher,
		store:   deps.Store,
		hub:     deps.Hub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// pathTenant parses the {id} path value of admin routes.
func pathTenant(r *http.Request) (chat.TenantID, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return chat.TenantID(id), true
}
