package main

import (
	"fmt"

	"github.com/vaultsync/vaultsync/internal/tokenfile"
)

// staticTokenSource adapts a plain token file to backend.TokenSource without
// the refresh-and-persist machinery of backend.OAuthTokenSource, since the
// interactive OAuth2 authorization flow (AuthURL/TokenURL, consent, initial
// token issuance) is CLI/bootstrap territory the spec excludes (§1). A build
// that needs refreshing cloud credentials wires backend.NewOAuthTokenSource
// with a real *oauth2.Config instead.
type staticTokenSource struct {
	path string
}

func newStaticTokenSource(path string) (*staticTokenSource, error) {
	tok, _, err := tokenfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file %s: %w", path, err)
	}

	if tok == nil {
		return nil, fmt.Errorf("no token at %s — authenticate first", path)
	}

	return &staticTokenSource{path: path}, nil
}

// Token re-reads the token file on every call so an out-of-band refresh
// (e.g. by a companion auth command) is picked up without restarting.
func (s *staticTokenSource) Token() (string, error) {
	tok, _, err := tokenfile.Load(s.path)
	if err != nil {
		return "", fmt.Errorf("reading token file %s: %w", s.path, err)
	}

	if tok == nil {
		return "", fmt.Errorf("no token at %s", s.path)
	}

	return tok.AccessToken, nil
}
