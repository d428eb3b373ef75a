package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/config"
	"github.com/onnwee/chatpool/db"
	"github.com/onnwee/chatpool/fanout"
	"github.com/onnwee/chatpool/realtime"
)

type fakePool struct {
	mu       sync.Mutex
	running  map[chat.TenantID]string
	startErr error
	stops    []chat.TenantID
}

func newFakePool() *fakePool { return &fakePool{running: map[chat.TenantID]string{}} }

func (p *fakePool) Start(_ context.Context, tenant chat.TenantID, input string) (chat.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return chat.Target{}, p.startErr
	}
	p.running[tenant] = input
	return chat.Target{VideoID: input}, nil
}

func (p *fakePool) StartWithChannel(_ context.Context, tenant chat.TenantID, channel string) (chat.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return chat.Target{}, p.startErr
	}
	p.running[tenant] = "live-of-" + channel
	return chat.Target{VideoID: "live-of-" + channel, Channel: chat.ChannelRef{Handle: channel}}, nil
}

func (p *fakePool) Stop(_ context.Context, tenant chat.TenantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, tenant)
	p.stops = append(p.stops, tenant)
}

func (p *fakePool) Status(tenant chat.TenantID) chat.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vid, ok := p.running[tenant]; ok {
		return chat.Status{Running: true, State: chat.StateRunning, VideoID: vid, Mode: chat.ModeManual}
	}
	return chat.Status{State: chat.StateIdle}
}

func (p *fakePool) Messages(tenant chat.TenantID, limit int) []chat.Message {
	out := []chat.Message{}
	for i := 0; i < 3 && i < limit; i++ {
		out = append(out, chat.Message{ID: fmt.Sprintf("%d-%d", tenant, i), Kind: chat.KindNormal, Text: "hi"})
	}
	return out
}

func (p *fakePool) Stats() chat.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return chat.PoolStats{ActiveChats: len(p.running), TotalConnections: len(p.running)}
}

type fakeWatcher struct {
	mu       sync.Mutex
	channels map[chat.TenantID]string
}

func (w *fakeWatcher) Enable(tenant chat.TenantID, channel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channels[tenant] = channel
}

func (w *fakeWatcher) Disable(tenant chat.TenantID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.channels, tenant)
}

func (w *fakeWatcher) Watching(tenant chat.TenantID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.channels[tenant]
	return ok
}

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	tenants map[chat.TenantID]*db.Tenant
	notes   map[chat.TenantID][]db.StoredNotification
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) CreateTenant(_ context.Context, name string) (db.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chat.TenantID(len(s.tenants) + 1)
	t := &db.Tenant{ID: id, Name: name, IsActive: true, OverlayToken: fmt.Sprintf("overlay-%d", id)}
	s.tenants[id] = t
	return *t, nil
}

func (s *fakeStore) GetTenant(_ context.Context, id chat.TenantID) (db.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[id]; ok {
		return *t, nil
	}
	return db.Tenant{}, db.ErrNotFound
}

func (s *fakeStore) TenantByOverlayToken(_ context.Context, token string) (db.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.OverlayToken == token && t.IsActive && !t.IsSuspended {
			return *t, nil
		}
	}
	return db.Tenant{}, db.ErrNotFound
}

func (s *fakeStore) SetChannel(_ context.Context, id chat.TenantID, channel string, autoWatch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return db.ErrNotFound
	}
	t.Channel, t.AutoWatch = channel, autoWatch && channel != ""
	return nil
}

func (s *fakeStore) SetSuspended(_ context.Context, id chat.TenantID, suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return db.ErrNotFound
	}
	t.IsSuspended = suspended
	return nil
}

func (s *fakeStore) ListRecordings(_ context.Context, _ chat.TenantID, _ int) ([]db.Recording, error) {
	return []db.Recording{{ID: 1, VideoID: "dQw4w9WgXcQ", Status: chat.RecordingEnded, TotalMessages: 12}}, nil
}

func (s *fakeStore) RecordingTotals(context.Context, chat.TenantID) (db.Totals, error) {
	return db.Totals{Sessions: 1, Messages: 12}, nil
}

func (s *fakeStore) ListNotifications(_ context.Context, tenant chat.TenantID, _ int) ([]db.StoredNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.StoredNotification{}, s.notes[tenant]...), nil
}

func (s *fakeStore) MarkNotificationsRead(_ context.Context, tenant chat.TenantID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.notes[tenant] {
		if !s.notes[tenant][i].IsRead {
			s.notes[tenant][i].IsRead = true
			n++
		}
	}
	return n, nil
}

type testEnv struct {
	pool    *fakePool
	watcher *fakeWatcher
	store   *fakeStore
	handler http.Handler
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ChatProvider:  config.ProviderYouTube,
		YouTubeAPIKey: "key",
		RateLimit:     config.RateLimitConfig{Enabled: true, RequestsPerIP: 100, WindowSeconds: 60},
	}
	if mutate != nil {
		mutate(cfg)
	}
	env := &testEnv{
		pool:    newFakePool(),
		watcher: &fakeWatcher{channels: map[chat.TenantID]string{}},
		store: &fakeStore{
			tenants: map[chat.TenantID]*db.Tenant{
				1: {ID: 1, Name: "one", IsActive: true, OverlayToken: "overlay-1"},
				2: {ID: 2, Name: "two", IsActive: true, IsSuspended: true, Channel: "@two", AutoWatch: true},
			},
			notes: map[chat.TenantID][]db.StoredNotification{
				1: {{ID: 1, Type: chat.NotifyChatError, Title: "Chat error"}, {ID: 2, Type: chat.NotifyChatEnded, Title: "Chat ended"}},
			},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.handler = NewMux(ctx, Deps{Config: cfg, Pool: env.pool, Watcher: env.watcher, Store: env.store})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, tenant chat.TenantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant != 0 {
		req.Header.Set("X-Tenant-ID", fmt.Sprint(int64(tenant)))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/healthz", 0, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	env.store.pingErr = errors.New("db down")
	rr = env.do(t, http.MethodGet, "/healthz", 0, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/readyz", 0, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, rr)["status"])

	env = newTestEnv(t, func(c *config.Config) { c.YouTubeAPIKey = "" })
	rr = env.do(t, http.MethodGet, "/readyz", 0, "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "credentials", decode[map[string]string](t, rr)["failed_check"])
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, "corr-123", rr.Header().Get("X-Correlation-ID"))
}

func TestTenantResolution(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name   string
		tenant chat.TenantID
		header string
		want   int
	}{
		{"missing header", 0, "", http.StatusUnauthorized},
		{"garbage header", 0, "abc", http.StatusUnauthorized},
		{"unknown tenant", 99, "", http.StatusNotFound},
		{"suspended tenant", 2, "", http.StatusForbidden},
		{"active tenant", 1, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.tenant != 0 {
				req.Header.Set("X-Tenant-ID", fmt.Sprint(int64(tt.tenant)))
			} else if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestChatStartAndStop(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/chat/start", 1, `{"videoId":"dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	started := decode[struct {
		Target chat.Target `json:"target"`
		Status chat.Status `json:"status"`
	}](t, rr)
	assert.Equal(t, "dQw4w9WgXcQ", started.Target.VideoID)
	assert.True(t, started.Status.Running)

	rr = env.do(t, http.MethodGet, "/api/status", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[statusResponse](t, rr).Running)

	rr = env.do(t, http.MethodPost, "/api/chat/start", 1, `{"channel":"@creator"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "live-of-@creator", env.pool.Status(1).VideoID)

	rr = env.do(t, http.MethodPost, "/api/chat/stop", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decode[chat.Status](t, rr).Running)
	assert.Equal(t, []chat.TenantID{1}, env.pool.stops)
}

func TestChatStartErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"missing target", `{}`, nil, http.StatusBadRequest},
		{"bad json", `{"videoId":`, nil, http.StatusBadRequest},
		{"invalid target", `{"videoId":"x"}`, fmt.Errorf("%w: nope", chat.ErrInvalidTarget), http.StatusBadRequest},
		{"not live", `{"channel":"@sleepy"}`, chat.ErrNotLive, http.StatusUnprocessableEntity},
		{"upstream failure", `{"videoId":"dQw4w9WgXcQ"}`, fmt.Errorf("%w: 503", chat.ErrConnection), http.StatusBadGateway},
		{"shutting down", `{"videoId":"dQw4w9WgXcQ"}`, chat.ErrPoolClosed, http.StatusServiceUnavailable},
		{"other failure", `{"videoId":"dQw4w9WgXcQ"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.pool.startErr = tt.err
			rr := env.do(t, http.MethodPost, "/api/chat/start", 1, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}
}

func TestChatStartIsRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.RateLimit.RequestsPerIP = 2 })
	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/api/chat/start", 1, `{"videoId":"dQw4w9WgXcQ"}`)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/api/chat/start", 1, `{"videoId":"dQw4w9WgXcQ"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// status is not limited
	rr = env.do(t, http.MethodGet, "/api/status", 1, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/messages?limit=2", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]chat.Message](t, rr), 2)

	rr = env.do(t, http.MethodGet, "/api/messages?limit=-5", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]chat.Message](t, rr), 3)
}

func TestChannelRegistration(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPut, "/api/channel", 1, `{"channel":"https://www.youtube.com/@creator"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "@creator", env.watcher.channels[1])
	tenant, _ := env.store.GetTenant(context.Background(), 1)
	assert.Equal(t, "@creator", tenant.Channel)
	assert.True(t, tenant.AutoWatch)

	rr = env.do(t, http.MethodGet, "/api/status", 1, "")
	st := decode[statusResponse](t, rr)
	assert.True(t, st.Watching)
	assert.Equal(t, "@creator", st.Channel)

	rr = env.do(t, http.MethodPut, "/api/channel", 1, `{"channel":"@creator","autoWatch":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, env.watcher.Watching(1))

	rr = env.do(t, http.MethodPut, "/api/channel", 1, `{"channel":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.watcher.Enable(1, "@creator")
	rr = env.do(t, http.MethodDelete, "/api/channel", 1, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, env.watcher.Watching(1))
	tenant, _ = env.store.GetTenant(context.Background(), 1)
	assert.Empty(t, tenant.Channel)
}

func TestSessionsAndNotifications(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/sessions", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	sessions := decode[struct {
		Sessions []db.Recording `json:"sessions"`
		Totals   db.Totals      `json:"totals"`
	}](t, rr)
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, 12, sessions.Totals.Messages)

	rr = env.do(t, http.MethodGet, "/api/notifications", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]db.StoredNotification](t, rr), 2)

	rr = env.do(t, http.MethodPost, "/api/notifications/read", 1, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(2), decode[map[string]int64](t, rr)["updated"])

	rr = env.do(t, http.MethodPost, "/api/notifications/read", 1, "")
	assert.Equal(t, int64(0), decode[map[string]int64](t, rr)["updated"])
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Admin.Token = "s3cret" })

	rr := env.do(t, http.MethodGet, "/admin/pool", 0, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decode[chat.PoolStats](t, rr).ActiveChats)
}

func TestAdminTenantLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/admin/tenants", 0, `{"name":"  new  "}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[db.Tenant](t, rr)
	assert.Equal(t, "new", created.Name)
	assert.NotEmpty(t, created.OverlayToken)

	rr = env.do(t, http.MethodPost, "/admin/tenants", 0, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	_, err := env.pool.Start(context.Background(), 1, "dQw4w9WgXcQ")
	require.NoError(t, err)
	env.watcher.Enable(1, "@one")

	rr = env.do(t, http.MethodPost, "/admin/tenants/1/stop", 0, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, env.pool.Status(1).Running)
	assert.True(t, env.watcher.Watching(1), "stop keeps the auto-watch entry")

	rr = env.do(t, http.MethodPost, "/admin/tenants/abc/stop", 0, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminSuspendTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.pool.Start(context.Background(), 1, "dQw4w9WgXcQ")
	require.NoError(t, err)
	env.watcher.Enable(1, "@one")

	rr := env.do(t, http.MethodPost, "/admin/tenants/1/suspend", 0, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, env.pool.Status(1).Running)
	assert.False(t, env.watcher.Watching(1))
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/api/status", 1, "").Code)

	// reinstating a tenant with an auto-watch channel registers it again
	rr = env.do(t, http.MethodPost, "/admin/tenants/2/suspend", 0, `{"suspended":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "@two", env.watcher.channels[2])
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/status", 2, "").Code)

	rr = env.do(t, http.MethodPost, "/admin/tenants/42/suspend", 0, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownMethodIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/chat/start", 1, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	deps := Deps{
		Config:  &config.Config{HTTPAddr: "127.0.0.1:0"},
		Pool:    newFakePool(),
		Watcher: &fakeWatcher{channels: map[chat.TenantID]string{}},
		Store:   &fakeStore{tenants: map[chat.TenantID]*db.Tenant{}},
	}
	done := make(chan error, 1)
	go func() { done <- Start(ctx, deps) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestOverlaySocketThroughMux(t *testing.T) {
	env := newTestEnv(t, nil)
	hub := realtime.NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{RateLimit: config.RateLimitConfig{Enabled: false}}
	srv := httptest.NewServer(NewMux(ctx, Deps{Config: cfg, Pool: env.pool, Watcher: env.watcher, Store: env.store, Hub: hub}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/overlay/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = env.pool.Start(context.Background(), 1, "dQw4w9WgXcQ")
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/overlay/overlay-1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env1 realtime.Envelope
	require.NoError(t, ws.ReadJSON(&env1))
	assert.Equal(t, fanout.EventStatus, env1.Type)
	var status fanout.StatusPayload
	require.NoError(t, json.Unmarshal(env1.Payload, &status))
	assert.True(t, status.Running)
	assert.Equal(t, "Live", status.Message)

	var env2 realtime.Envelope
	require.NoError(t, ws.ReadJSON(&env2))
	assert.Equal(t, fanout.EventHistory, env2.Type)
	assert.Eventually(t, func() bool { return hub.GroupSize(fanout.GroupPublic(1)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestDashboardSocketRequiresTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{}
	srv := httptest.NewServer(NewMux(ctx, Deps{Config: cfg, Pool: env.pool, Watcher: env.watcher, Store: env.store, Hub: realtime.NewHub(nil, nil)}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/dashboard"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?tenant=1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var first realtime.Envelope
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, fanout.EventStatus, first.Type)
}
