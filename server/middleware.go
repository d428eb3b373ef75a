// Package server middleware for authentication, tenant resolution, rate limiting and CORS
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/config"
	"github.com/onnwee/chatpool/db"
)

// adminAuth protects admin endpoints with Basic Auth or the X-Admin-Token
// header. With no credentials configured every request passes (dev mode).
func adminAuth(next http.Handler, cfg config.AdminConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdmin(r, cfg) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="chatpool admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// isAdmin reports whether r carries valid admin credentials. Browsers cannot
// set headers on websocket upgrades, so the token is also read from the
// admin_token query parameter.
func isAdmin(r *http.Request, cfg config.AdminConfig) bool {
	if !cfg.Enabled() {
		return true
	}
	if cfg.Token != "" {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = r.URL.Query().Get("admin_token")
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
			return true
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		if username, password, ok := r.BasicAuth(); ok {
			usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
			passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
			return usernameMatch && passwordMatch
		}
	}
	return false
}

type tenantKey struct{}

// withTenant resolves the calling tenant from the X-Tenant-ID header (or the
// tenant query parameter on websocket upgrades). Unknown tenants get 404 and
// suspended ones 403.
func withTenant(next http.Handler, tenants TenantStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			raw = r.URL.Query().Get("tenant")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid tenant id")
			return
		}
		t, err := tenants.GetTenant(r.Context(), chat.TenantID(id))
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		case t.IsSuspended || !t.IsActive:
			writeError(w, http.StatusForbidden, "tenant suspended")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	})
}

func tenantFrom(ctx context.Context) db.Tenant {
	t, _ := ctx.Value(tenantKey{}).(db.Tenant)
	return t
}

// RateLimiter decides whether another request from key is allowed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// newRateLimiter picks the Redis backend when a client is available so limits
// hold across instances.
func newRateLimiter(ctx context.Context, cfg config.RateLimitConfig, rdb redis.UniversalClient) RateLimiter {
	if rdb != nil {
		slog.Info("initializing distributed rate limiter", slog.String("backend", "redis"))
		return &redisRateLimiter{rdb: rdb, cfg: cfg}
	}
	slog.Info("initializing in-memory rate limiter", slog.String("backend", "memory"))
	return newIPRateLimiter(ctx, cfg)
}

// ipRateLimiter implements a simple sliding window rate limiter per IP
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      config.RateLimitConfig
	clk      clock.Clock
}

type visitor struct {
	requests []time.Time
	lastSeen time.Time
}

func newIPRateLimiter(ctx context.Context, cfg config.RateLimitConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		clk:      clock.New(),
	}
	go limiter.cleanupLoop(ctx)
	return limiter
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors that haven't made requests in the last two windows
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clk.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.Window()*2 {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) Allow(_ context.Context, ip string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{requests: []time.Time{now}, lastSeen: now}
		return true
	}
	cutoff := now.Add(-rl.cfg.Window())
	kept := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.requests = kept
	v.lastSeen = now
	if len(v.requests) >= rl.cfg.RequestsPerIP {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// redisRateLimiter is a fixed window counter shared by every instance. Redis
// failures let the request through.
type redisRateLimiter struct {
	rdb redis.UniversalClient
	cfg config.RateLimitConfig
}

func (rl *redisRateLimiter) Allow(ctx context.Context, ip string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	window := rl.cfg.Window()
	key := fmt.Sprintf("chatpool:ratelimit:%s:%d", ip, time.Now().Unix()/int64(window.Seconds()))
	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter unavailable, allowing request", slog.Any("err", err), slog.String("backend", "redis"))
		return true
	}
	return incr.Val() <= int64(rl.cfg.RequestsPerIP)
}

// rateLimitMiddleware applies rate limiting to sensitive endpoints
func rateLimitMiddleware(next http.Handler, limiter RateLimiter, window time.Duration) http.Handler {
	retryAfter := strconv.Itoa(int(window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.Allow(r.Context(), ip) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP takes the first X-Forwarded-For entry when present, else the
// remote address, without its port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

// withCORS wraps a handler with CORS headers. Permissive mode allows every
// origin; otherwise only the configured origins (and *.domain wildcards).
func withCORS(next http.Handler, permissive bool, allowedOrigins []string) http.Handler {
	if !permissive && len(allowedOrigins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	const (
		methods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		headers = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID, X-Tenant-ID"
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
		} else if origin != "" && isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}

// OriginChecker returns the websocket origin policy matching the CORS
// configuration. Requests without an Origin header (non-browser clients) pass.
func OriginChecker(cfg *config.Config) func(*http.Request) bool {
	if cfg.CORSPermissive() {
		return nil
	}
	origins := cfg.CORS.AllowedOrigins
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, origins)
	}
}
