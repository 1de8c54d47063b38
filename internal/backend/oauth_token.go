package backend

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/vaultsync/vaultsync/internal/tokenfile"
)

// OAuthTokenSource adapts an *oauth2.Config-backed token source to the
// TokenSource interface the cloud backend expects, persisting refreshed
// tokens back to a tokenfile so the engine never needs to re-authenticate
// mid-sync.
type OAuthTokenSource struct {
	path string
	src  oauth2.TokenSource
}

// NewOAuthTokenSource loads a persisted token from path and wraps it in the
// given oauth2.Config's refreshing TokenSource.
func NewOAuthTokenSource(path string, cfg *oauth2.Config) (*OAuthTokenSource, error) {
	tok, _, err := tokenfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("backend: loading token file %s: %w", path, err)
	}

	if tok == nil {
		return nil, fmt.Errorf("backend: no token at %s — authenticate first", path)
	}

	return &OAuthTokenSource{
		path: path,
		src:  cfg.TokenSource(context.Background(), tok),
	}, nil
}

// Token returns a valid bearer token, refreshing it if expired. The current
// token is written back to the token file on every call.
func (s *OAuthTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("backend: refreshing token: %w", err)
	}

	if err := tokenfile.Save(s.path, tok, nil); err != nil {
		return "", fmt.Errorf("backend: persisting refreshed token: %w", err)
	}

	return tok.AccessToken, nil
}
