// Package twitchapi is the Twitch chat provider: Helix liveness checks with an
// app access token and an anonymous IRC connection for the chat itself.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHelixURL is the Helix API root.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// attempts per Helix call, shared by 401 refreshes and 429/5xx backoff
const helixMaxRetries = 3

// helixBackoff is the base delay between retried Helix calls.
var helixBackoff = 500 * time.Millisecond

// HelixClient provides the few Helix calls the chat provider needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string // defaults to DefaultHelixURL
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixURL
}

// GetStreams returns the live streams of a login. An empty result means the
// channel is offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("user_login", login)
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// get performs an authenticated GET with retries. A 401 drops the cached app
// token and retries with a fresh one; 429 and 5xx back off.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= helixMaxRetries; attempt++ {
		status, err := hc.do(ctx, path, q, out)
		if err == nil {
			return nil
		}
		lastErr = err
		switch {
		case status == http.StatusUnauthorized:
			hc.AppTokenSource.Invalidate()
			continue
		case status == http.StatusTooManyRequests || status >= 500:
			slog.Debug("helix call retrying", slog.String("path", path), slog.Int("status", status), slog.Int("attempt", attempt), slog.String("component", "twitch_helix"))
			select {
			case <-time.After(time.Duration(attempt) * helixBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return err
	}
	return lastErr
}

func (hc *HelixClient) do(ctx context.Context, path string, q url.Values, out any) (int, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("helix app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
	if err != nil {
		return 0, err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("helix %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("helix %s: decode: %w", path, err)
	}
	return resp.StatusCode, nil
}
