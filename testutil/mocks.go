package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// LiveStream is one entry in a mocked /helix/streams response.
type LiveStream struct {
	ID        string `json:"id"`
	UserLogin string `json:"user_login"`
	Title     string `json:"title,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

// HelixServer fakes the parts of the Twitch API the chat provider talks to:
// the streams endpoint used for liveness probes and the client-credentials
// token endpoint.
type HelixServer struct {
	*httptest.Server

	mu        sync.Mutex
	live      map[string]LiveStream
	overrides map[string]http.HandlerFunc
	token     string
	expiresIn int
}

// NewHelixServer starts a fake Helix server that is closed with the test.
func NewHelixServer(t *testing.T) *HelixServer {
	t.Helper()
	h := &HelixServer{
		live:      make(map[string]LiveStream),
		overrides: make(map[string]http.HandlerFunc),
	}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

// HelixURL is the base URL to configure on a Helix client.
func (h *HelixServer) HelixURL() string { return h.URL + "/helix" }

// TokenURL is the client-credentials endpoint.
func (h *HelixServer) TokenURL() string { return h.URL + "/oauth2/token" }

// GoLive makes s show up in streams lookups for its login.
func (h *HelixServer) GoLive(s LiveStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[s.UserLogin] = s
}

// GoOffline removes login from streams lookups.
func (h *HelixServer) GoOffline(login string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, login)
}

// IssueTokens enables the token endpoint.
func (h *HelixServer) IssueTokens(accessToken string, expiresIn int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token, h.expiresIn = accessToken, expiresIn
}

// Handle replaces the built-in behavior for path.
func (h *HelixServer) Handle(path string, fn http.HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overrides[path] = fn
}

func (h *HelixServer) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	override, ok := h.overrides[r.URL.Path]
	h.mu.Unlock()
	if ok {
		override(w, r)
		return
	}

	switch r.URL.Path {
	case "/helix/streams":
		login := r.URL.Query().Get("user_login")
		data := []LiveStream{}
		h.mu.Lock()
		if s, ok := h.live[login]; ok {
			data = append(data, s)
		}
		h.mu.Unlock()
		writeMockJSON(w, map[string]any{"data": data})
	case "/oauth2/token":
		h.mu.Lock()
		token, expires := h.token, h.expiresIn
		h.mu.Unlock()
		if token == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeMockJSON(w, map[string]any{
			"access_token": token,
			"expires_in":   expires,
			"token_type":   "bearer",
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeMockJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
