// Package server exposes the HTTP API: health, readiness, metrics, tenant chat
// commands, history, admin pool endpoints and the realtime sockets. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/config"
	"github.com/onnwee/chatpool/db"
	"github.com/onnwee/chatpool/realtime"
	"github.com/onnwee/chatpool/telemetry"
)

// ChatPool is the part of chat.Pool the API drives.
type ChatPool interface {
	Start(ctx context.Context, tenant chat.TenantID, input string) (chat.Target, error)
	StartWithChannel(ctx context.Context, tenant chat.TenantID, channel string) (chat.Target, error)
	Stop(ctx context.Context, tenant chat.TenantID)
	Status(tenant chat.TenantID) chat.Status
	Messages(tenant chat.TenantID, limit int) []chat.Message
	Stats() chat.PoolStats
}

// AutoWatcher is the part of chat.Scheduler the API drives.
type AutoWatcher interface {
	Enable(tenant chat.TenantID, channel string)
	Disable(tenant chat.TenantID)
	Watching(tenant chat.TenantID) bool
}

// TenantStore is the persistence the API reads and writes directly.
type TenantStore interface {
	Ping(ctx context.Context) error
	CreateTenant(ctx context.Context, name string) (db.Tenant, error)
	GetTenant(ctx context.Context, id chat.TenantID) (db.Tenant, error)
	TenantByOverlayToken(ctx context.Context, token string) (db.Tenant, error)
	SetChannel(ctx context.Context, id chat.TenantID, channel string, autoWatch bool) error
	SetSuspended(ctx context.Context, id chat.TenantID, suspended bool) error
	ListRecordings(ctx context.Context, tenant chat.TenantID, limit int) ([]db.Recording, error)
	RecordingTotals(ctx context.Context, tenant chat.TenantID) (db.Totals, error)
	ListNotifications(ctx context.Context, tenant chat.TenantID, limit int) ([]db.StoredNotification, error)
	MarkNotificationsRead(ctx context.Context, tenant chat.TenantID) (int64, error)
}

// Deps are the collaborators of the HTTP layer. Redis is optional.
type Deps struct {
	Config  *config.Config
	Pool    ChatPool
	Watcher AutoWatcher
	Store   TenantStore
	Hub     *realtime.Hub
	Redis   redis.UniversalClient
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	cfg := deps.Config
	limiter := newRateLimiter(ctx, cfg.RateLimit, deps.Redis)
	h := NewHandlers(deps)

	limited := func(fn http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(fn, limiter, cfg.RateLimit.Window())
	}
	tenant := func(next http.Handler) http.Handler { return withTenant(next, deps.Store) }
	admin := func(fn http.HandlerFunc) http.Handler { return adminAuth(limited(fn), cfg.Admin) }

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Tenant endpoints
	mux.Handle("GET /api/status", tenant(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("PUT /api/channel", tenant(http.HandlerFunc(h.HandleSetChannel)))
	mux.Handle("DELETE /api/channel", tenant(http.HandlerFunc(h.HandleClearChannel)))
	mux.Handle("POST /api/chat/start", tenant(limited(h.HandleChatStart)))
	mux.Handle("POST /api/chat/stop", tenant(http.HandlerFunc(h.HandleChatStop)))
	mux.Handle("GET /api/messages", tenant(http.HandlerFunc(h.HandleMessages)))
	mux.Handle("GET /api/sessions", tenant(http.HandlerFunc(h.HandleSessions)))
	mux.Handle("GET /api/notifications", tenant(http.HandlerFunc(h.HandleNotifications)))
	mux.Handle("POST /api/notifications/read", tenant(http.HandlerFunc(h.HandleNotificationsRead)))

	// Admin endpoints
	mux.Handle("GET /admin/pool", admin(h.HandleAdminPool))
	mux.Handle("POST /admin/tenants", admin(h.HandleAdminCreateTenant))
	mux.Handle("POST /admin/tenants/{id}/stop", admin(h.HandleAdminStopTenant))
	mux.Handle("POST /admin/tenants/{id}/suspend", admin(h.HandleAdminSuspendTenant))

	// Realtime sockets
	if deps.Hub != nil {
		mux.Handle("GET /ws/dashboard", tenant(http.HandlerFunc(h.HandleDashboardSocket)))
		mux.HandleFunc("GET /ws/overlay/{token}", h.HandleOverlaySocket)
	}

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORS(handler, cfg.CORSPermissive(), cfg.CORS.AllowedOrigins)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets websocket upgrades take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps) error {
	srv := &http.Server{
		Addr:              deps.Config.HTTPAddr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", srv.Addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
