package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
)

// githubAppTokens mints short-lived installation tokens for clone access.
// Tokens are cached until shortly before expiry; forceReauth bypasses the
// cache after a rejected clone.
type githubAppTokens struct {
	apiBase string
	appID   string
	key     *rsa.PrivateKey
	hc      *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newGithubAppTokens(apiBase, appID string, keyPEM []byte, sslVerify bool) (*githubAppTokens, error) {
	var key, err = jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing github app key: %w", err)
	}
	var transport = http.DefaultTransport
	if !sslVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &githubAppTokens{
		apiBase: strings.TrimRight(apiBase, "/"),
		appID:   appID,
		key:     key,
		hc:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}, nil
}

// appJWT is the app-level credential for the installations API. Issued-at is
// backdated a minute to absorb clock skew.
func (g *githubAppTokens) appJWT() (string, error) {
	var now = time.Now()
	var claims = jwt.RegisteredClaims{
		Issuer:    g.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.key)
}

// Mint returns a current installation token, minting one when the cache is
// cold, stale, or explicitly bypassed.
func (g *githubAppTokens) Mint(ctx context.Context, forceReauth bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !forceReauth && g.token != "" && time.Now().Before(g.expiry.Add(-time.Minute)) {
		return g.token, nil
	}

	var appJWT, err = g.appJWT()
	if err != nil {
		return "", err
	}

	var installations []struct {
		ID int64 `json:"id"`
	}
	if err = g.do(ctx, http.MethodGet, "/app/installations", appJWT, &installations); err != nil {
		return "", err
	}
	if len(installations) == 0 {
		return "", fmt.Errorf("github app %s has no installations", g.appID)
	}

	var minted struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	var path = fmt.Sprintf("/app/installations/%d/access_tokens", installations[0].ID)
	if err = g.do(ctx, http.MethodPost, path, appJWT, &minted); err != nil {
		return "", err
	}
	g.token = cxflog.Register(minted.Token)
	g.expiry = minted.ExpiresAt
	return g.token, nil
}

func (g *githubAppTokens) do(ctx context.Context, method, path, bearer string, into interface{}) error {
	var req, err = http.NewRequestWithContext(ctx, method, g.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.hc.Do(req)
	if err != nil {
		return fmt.Errorf("github app %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github app %s %s returned %s", method, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
