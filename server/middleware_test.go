package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chatpool/config"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		queryToken     string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "test-token-12345",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token in query string",
			token:          "test-token-12345",
			queryToken:     "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.AdminConfig{Username: tt.username, Password: tt.password, Token: tt.token}
			handler := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}), cfg)

			target := "/admin/test"
			if tt.queryToken != "" {
				target += "?admin_token=" + tt.queryToken
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func newTestLimiter(requests int) (*ipRateLimiter, *clock.Mock) {
	ctx, cancel := context.WithCancel(context.Background())
	limiter := newIPRateLimiter(ctx, config.RateLimitConfig{Enabled: true, RequestsPerIP: requests, WindowSeconds: 60})
	cancel()
	mock := clock.NewMock()
	limiter.clk = mock
	return limiter, mock
}

func TestRateLimiter(t *testing.T) {
	limiter, mock := newTestLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow(ctx, "192.168.1.1") {
		t.Error("request 4 should be denied (rate limit exceeded)")
	}

	mock.Add(61 * time.Second)
	if !limiter.Allow(ctx, "192.168.1.1") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	limiter, _ := newTestLimiter(2)
	ctx := context.Background()

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		for i := 0; i < 2; i++ {
			if !limiter.Allow(ctx, ip) {
				t.Errorf("%s request %d should be allowed", ip, i+1)
			}
		}
	}
	if limiter.Allow(ctx, "192.168.1.1") {
		t.Error("IP1 request 3 should be denied")
	}
	if limiter.Allow(ctx, "192.168.1.2") {
		t.Error("IP2 request 3 should be denied")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), config.RateLimitConfig{Enabled: false, RequestsPerIP: 1, WindowSeconds: 1})
	for i := 0; i < 100; i++ {
		if !limiter.Allow(context.Background(), "192.168.1.1") {
			t.Errorf("request %d should be allowed when rate limiter is disabled", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter, mock := newTestLimiter(5)
	limiter.Allow(context.Background(), "192.168.1.1")
	mock.Add(3 * time.Minute)
	limiter.cleanup()
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.visitors) != 0 {
		t.Errorf("expected idle visitors to be removed, got %d", len(limiter.visitors))
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := &redisRateLimiter{rdb: rdb, cfg: config.RateLimitConfig{Enabled: true, RequestsPerIP: 1, WindowSeconds: 60}}
	for i := 0; i < 3; i++ {
		if !limiter.Allow(context.Background(), "192.168.1.1") {
			t.Fatalf("request %d should be allowed while redis is unreachable", i+1)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
	}{
		{"remote addr", "192.168.1.1:12345", ""},
		{"x-forwarded-for first hop", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2"},
		{"ipv6 with port", "[2001:db8::1]:12345", ""},
		{"ipv6 without port", "127.0.0.1:8080", "2001:db8::42"},
		{"ipv4 without port", "10.0.0.1:8080", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, _ := newTestLimiter(2)
			handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), limiter, time.Minute)

			do := func() *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodGet, "/test", nil)
				req.RemoteAddr = tt.remoteAddr
				if tt.forwarded != "" {
					req.Header.Set("X-Forwarded-For", tt.forwarded)
				}
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				return rr
			}
			for i := 0; i < 2; i++ {
				if rr := do(); rr.Code != http.StatusOK {
					t.Errorf("request %d: expected 200, got %d", i+1, rr.Code)
				}
			}
			rr := do()
			if rr.Code != http.StatusTooManyRequests {
				t.Errorf("request 3: expected 429, got %d", rr.Code)
			}
			if got := rr.Header().Get("Retry-After"); got != "60" {
				t.Errorf("Retry-After = %q, want 60", got)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.168.1.1:12345", "", "192.168.1.1"},
		{"10.0.0.1:1", "203.0.113.1, 10.0.0.2", "203.0.113.1"},
		{"[2001:db8::1]:443", "", "2001:db8::1"},
		{"127.0.0.1:8080", "2001:db8::42", "2001:db8::42"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		permissive        bool
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "permissive mode allows all origins",
			permissive:        true,
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			allowedOrigins:    []string{"https://example.com", "https://app.example.com"},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "https://example.com",
			expectCredentials: true,
		},
		{
			name:              "restricted mode with non-matching origin",
			allowedOrigins:    []string{"https://example.com"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "wildcard subdomain matching",
			allowedOrigins:    []string{"*.example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.permissive, tt.allowedOrigins)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.expectAllowOrigin, got)
			}
			if tt.expectCredentials && rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("expected Allow-Credentials: true for restricted mode")
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	handler := withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}), true, nil)

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}
	if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("expected Allow-Headers header on OPTIONS response")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name           string
		origin         string
		allowedOrigins []string
		want           bool
	}{
		{"exact match", "https://example.com", []string{"https://example.com", "https://other.com"}, true},
		{"no match", "https://evil.com", []string{"https://example.com"}, false},
		{"wildcard subdomain match", "https://app.example.com", []string{"*.example.com"}, true},
		{"wildcard subdomain deeper match", "https://api.v2.example.com", []string{"*.example.com"}, true},
		{"wildcard also matches parent", "https://example.com", []string{"*.example.com"}, true},
		{"suffix without dot", "https://badexample.com", []string{"*.example.com"}, false},
		{"http vs https mismatch", "http://example.com", []string{"https://example.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, tt.allowedOrigins); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowedOrigins, got, tt.want)
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	if OriginChecker(&config.Config{}) != nil {
		t.Error("dev mode should accept every origin")
	}
	check := OriginChecker(&config.Config{Env: "production", CORS: config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}})
	for origin, want := range map[string]bool{"": true, "https://app.example.com": true, "https://evil.com": false} {
		req := httptest.NewRequest(http.MethodGet, "/ws/dashboard", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}
