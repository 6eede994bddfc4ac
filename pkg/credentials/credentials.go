// Package credentials supplies delegated-access bearer tokens for the user's
// photo library.
package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// PickerScope is the read-only scope the photo picker requires.
const PickerScope = "https://www.googleapis.com/auth/photospicker.mediaitems.readonly"

var ErrNoToken = errors.New("no access token available")

// TokenProvider yields a currently valid access token.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticProvider always returns the same token. An empty token reports
// ErrNoToken.
type StaticProvider string

func (p StaticProvider) AccessToken(context.Context) (string, error) {
	if strings.TrimSpace(string(p)) == "" {
		return "", ErrNoToken
	}
	return string(p), nil
}

// OAuthProvider refreshes the user's token through the OAuth2 client when it
// expires.
type OAuthProvider struct {
	mu  sync.Mutex
	cfg *oauth2.Config
	src oauth2.TokenSource
}

var _ TokenProvider = &OAuthProvider{}

// NewOAuthConfig returns the Google OAuth2 client configuration for the
// picker scope.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{PickerScope},
	}
}

// NewOAuthProvider starts from tok and refreshes with cfg. cfg may be nil, in
// which case tok is used until it expires.
func NewOAuthProvider(cfg *oauth2.Config, tok *oauth2.Token) *OAuthProvider {
	p := &OAuthProvider{cfg: cfg}
	p.setToken(tok)
	return p
}

func (p *OAuthProvider) setToken(tok *oauth2.Token) {
	if tok == nil {
		p.src = nil
		return
	}
	if p.cfg == nil {
		p.src = oauth2.StaticTokenSource(tok)
		return
	}
	p.src = oauth2.ReuseTokenSource(tok, p.cfg.TokenSource(context.Background(), tok))
}

// SetToken replaces the current token, for example after the user signs in
// again.
func (p *OAuthProvider) SetToken(tok *oauth2.Token) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setToken(tok)
}

func (p *OAuthProvider) AccessToken(_ context.Context) (string, error) {
	if p == nil {
		return "", ErrNoToken
	}
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return "", ErrNoToken
	}
	tok, err := src.Token()
	if err != nil {
		return "", errors.Wrap(err, "refresh access token")
	}
	if tok == nil || tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}

// TokenFromParts builds a token from stored fields. A zero expiry means the
// token does not expire locally.
func TokenFromParts(accessToken, refreshToken string, expiry time.Time) *oauth2.Token {
	if accessToken == "" && refreshToken == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiry, TokenType: "Bearer"}
}
