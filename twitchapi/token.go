package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// tokens are refreshed this long before they expire
const expiryBuffer = 60 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials) token
// for Helix calls. The anonymous IRC connection does not need it.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to DefaultTokenURL
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && ts.fresh() {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// SetToken seeds the cache, mostly for tests and warm restarts.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.tok = &oauth2.Token{AccessToken: token, TokenType: "bearer", Expiry: expiresAt}
	ts.mu.Unlock()
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}

func (ts *TokenSource) fresh() bool {
	if ts.tok.AccessToken == "" {
		return false
	}
	// a token without expires_in never expires
	return ts.tok.Expiry.IsZero() || time.Until(ts.tok.Expiry) > expiryBuffer
}
