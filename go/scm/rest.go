package scm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// restClient is the shared JSON transport under every platform client.
type restClient struct {
	base string
	hc   *http.Client
	auth func(*http.Request)
}

func newRESTClient(base string, sslVerify bool, auth func(*http.Request)) *restClient {
	var transport = http.DefaultTransport
	if !sslVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &restClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Transport: transport, Timeout: 60 * time.Second},
		auth: auth,
	}
}

// do issues one JSON request. A non-2xx response is an error carrying the
// status and a truncated body.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body, into interface{}) error {
	var u = c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		var encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if into == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// BasicAuthHeader authenticates requests with HTTP basic auth.
func BasicAuthHeader(username, password string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(username, password) }
}

// TokenAuthHeader authenticates requests with a bearer token.
func TokenAuthHeader(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}
