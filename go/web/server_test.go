package web

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/cxone/grouping"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/orchestration"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/kickoff"
)

type fakePublisher struct {
	sent []struct {
		exchange, key string
		msg           messaging.Message
	}
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, m messaging.Message, _ time.Duration) error {
	p.sent = append(p.sent, struct {
		exchange, key string
		msg           messaging.Message
	}{exchange, key, m})
	return nil
}

type fakeSCM struct {
	scm.Service
}

func (s *fakeSCM) Kind() scm.Kind { return scm.KindGithub }
func (s *fakeSCM) DefaultBranch(context.Context, scm.Repo) (string, error) {
	return "main", nil
}
func (s *fakeSCM) ProtectedBranches(context.Context, scm.Repo) ([]string, error) {
	return nil, nil
}

type fakeScannerClient struct {
	cxone.Client
	project *cxone.Project
	scans   []cxone.Scan
}

func (f *fakeScannerClient) ProjectByName(context.Context, string) (*cxone.Project, error) {
	return f.project, nil
}
func (f *fakeScannerClient) CreateProject(_ context.Context, name string, groups []string, tags map[string]string) (*cxone.Project, error) {
	f.project = &cxone.Project{ID: "p1", Name: name, Tags: tags, Groups: groups}
	return f.project, nil
}
func (f *fakeScannerClient) Scans(context.Context, cxone.ScanFilter) ([]cxone.Scan, error) {
	return f.scans, nil
}

const ghSecret = "webhook-secret"

func testServer(t *testing.T, client *fakeScannerClient) (*Server, *fakePublisher) {
	t.Helper()
	var _, priv, err = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	signer, err := signing.NewPayloadSigner(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)

	var pub = &fakePublisher{}
	var route = &ScanRoute{
		Secret: ghSecret,
		Matches: func(urls []string) bool {
			for _, u := range urls {
				if u == "https://github.com/corp/repo.git" {
					return true
				}
			}
			return false
		},
		Dispatch: &orchestration.Route{
			Moniker: "gh-cloud",
			SCM:     &fakeSCM{},
			Scanner: cxone.NewService(client, grouping.NewResolver(client, nil)),
			Signer:  signer,
			Handoff: messaging.HandoffConfig{
				Version: messaging.HandoffVersion,
				Moniker: "gh-cloud",
				SCM:     messaging.ServiceBinding{Endpoint: "https://api.github.com", CredentialRef: "gh", Kind: "gh"},
				Scanner: messaging.ServiceBinding{Endpoint: "https://ast", CredentialRef: "cxone"},
			},
			ResolverTagKey:      "resolver",
			AllowedResolverTags: []string{"sca"},
		},
	}
	var s = &Server{
		Dispatcher:   &orchestration.Dispatcher{Publisher: pub, Version: "test"},
		Routes:       map[scm.Kind][]*ScanRoute{scm.KindGithub: {route}},
		syncDispatch: true,
	}
	return s, pub
}

func ghDeliver(t *testing.T, s *Server, event string, payload map[string]interface{}, secret string) *httptest.ResponseRecorder {
	t.Helper()
	var body, err = json.Marshal(payload)
	require.NoError(t, err)
	sig, err := signing.HMACSign([]byte(secret), body, "sha256")
	require.NoError(t, err)

	var req = httptest.NewRequest(http.MethodPost, "/gh", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", sig)
	var w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func ghRepository() map[string]interface{} {
	return map[string]interface{}{
		"name":           "repo",
		"full_name":      "corp/repo",
		"clone_url":      "https://github.com/corp/repo.git",
		"default_branch": "main",
		"owner":          map[string]string{"login": "corp"},
	}
}

func TestDiagnosticProbe(t *testing.T) {
	var s, _ = testServer(t, &fakeScannerClient{})
	var ping = map[string]interface{}{"zen": "keep it simple"}

	require.Equal(t, http.StatusOK, ghDeliver(t, s, "ping", ping, ghSecret).Code)
	require.Equal(t, http.StatusUnauthorized, ghDeliver(t, s, "ping", ping, "wrong").Code)
}

func TestUndecodablePayloadRejected(t *testing.T) {
	var s, _ = testServer(t, &fakeScannerClient{})
	var req = httptest.NewRequest(http.MethodPost, "/gh", bytes.NewReader([]byte("{not json")))
	var w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnroutedRepositoryRejected(t *testing.T) {
	var s, _ = testServer(t, &fakeScannerClient{})
	var payload = map[string]interface{}{
		"ref":        "refs/heads/main",
		"after":      "abc123",
		"repository": map[string]interface{}{"clone_url": "https://github.com/other/repo.git"},
	}
	require.Equal(t, http.StatusNotFound, ghDeliver(t, s, "push", payload, ghSecret).Code)
}

func TestBadSignatureRejected(t *testing.T) {
	var s, pub = testServer(t, &fakeScannerClient{})
	var payload = map[string]interface{}{
		"ref":        "refs/heads/main",
		"after":      "abc123",
		"repository": ghRepository(),
	}
	require.Equal(t, http.StatusUnauthorized, ghDeliver(t, s, "push", payload, "wrong").Code)
	require.Empty(t, pub.sent)
}

func TestBranchDeleteAcceptedWithoutDispatch(t *testing.T) {
	var s, pub = testServer(t, &fakeScannerClient{})
	var payload = map[string]interface{}{
		"ref":        "refs/heads/main",
		"after":      "0000000000000000000000000000000000000000",
		"deleted":    true,
		"repository": ghRepository(),
	}
	require.Equal(t, http.StatusNoContent, ghDeliver(t, s, "push", payload, ghSecret).Code)
	require.Empty(t, pub.sent)
}

func TestPushDispatchedToResolver(t *testing.T) {
	var client = &fakeScannerClient{
		project: &cxone.Project{ID: "p1", Name: "corp/repo",
			Tags: map[string]string{"resolver": "sca"}},
	}
	var s, pub = testServer(t, client)
	var payload = map[string]interface{}{
		"ref":        "refs/heads/main",
		"after":      "abc123",
		"repository": ghRepository(),
	}
	require.Equal(t, http.StatusNoContent, ghDeliver(t, s, "push", payload, ghSecret).Code)
	require.Len(t, pub.sent, 1)
	require.Equal(t, broker.ExchangeResolver, pub.sent[0].exchange)
	require.Equal(t, broker.ResolverRoutingKey("sca"), pub.sent[0].key)
}

func TestDispatchPanicContained(t *testing.T) {
	var s, _ = testServer(t, &fakeScannerClient{})
	// A nil dispatch route makes Execute dereference nil, standing in for any
	// panicking dispatch path.
	s.Routes[scm.KindGithub][0].Dispatch = nil
	var payload = map[string]interface{}{
		"ref":        "refs/heads/main",
		"after":      "abc123",
		"repository": ghRepository(),
	}
	require.Equal(t, http.StatusNoContent, ghDeliver(t, s, "push", payload, ghSecret).Code)
}

func TestPing(t *testing.T) {
	var s, _ = testServer(t, &fakeScannerClient{})
	var w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func kickoffServer(t *testing.T, scans []cxone.Scan) (*Server, string) {
	t.Helper()
	var pubKey, priv, err = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	token, err := signing.IssueJWT(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), "ci", time.Now())
	require.NoError(t, err)

	var svc = &kickoff.Service{
		Moniker: "gh-cloud",
		Scanner: cxone.NewService(&fakeScannerClient{
			project: &cxone.Project{ID: "p1", Name: "corp/repo"},
			scans:   scans,
		}, nil),
		PublicKey: pubKey,
		ProjectName: func(context.Context, *kickoff.Request) (string, error) {
			return "corp/repo", nil
		},
		Submit: func(_ context.Context, req *kickoff.Request, _ map[string]string) (*kickoff.ScanDescriptor, error) {
			return &kickoff.ScanDescriptor{ScanID: "s-new", Branch: req.Branch, Status: cxone.ScanStatusQueued}, nil
		},
	}
	var s = &Server{
		Routes: map[scm.Kind][]*ScanRoute{scm.KindGithub: {{
			Matches: func([]string) bool { return true },
			Kickoff: svc,
		}}},
	}
	return s, token
}

func postKickoff(s *Server, token string, body map[string]interface{}) *httptest.ResponseRecorder {
	var encoded, _ = json.Marshal(body)
	var req = httptest.NewRequest(http.MethodPost, "/gh/kickoff", bytes.NewReader(encoded))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	var w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func kickoffBody(branch string) map[string]interface{} {
	return map[string]interface{}{
		"clone_urls": []string{"https://github.com/corp/repo.git"},
		"branch":     branch,
		"sha":        "abc",
		"slug":       "repo",
	}
}

func TestKickoffStarted(t *testing.T) {
	var s, token = kickoffServer(t, nil)
	var w = postKickoff(s, token, kickoffBody("main"))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp kickoff.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "s-new", resp.StartedScan.ScanID)
}

func TestKickoffUnauthorized(t *testing.T) {
	var s, _ = kickoffServer(t, nil)
	require.Equal(t, http.StatusUnauthorized, postKickoff(s, "garbage", kickoffBody("main")).Code)
}

func TestKickoffScanExists(t *testing.T) {
	var s, token = kickoffServer(t, []cxone.Scan{{
		ID: "s1", ProjectID: "p1", Branch: "main", Status: cxone.ScanStatusRunning,
		Tags: map[string]string{kickoff.KickoffTagKey: "gh-cloud"},
	}})
	var w = postKickoff(s, token, kickoffBody("main"))
	require.Equal(t, StatusScanExists, w.Code)

	var resp kickoff.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.RunningScans, 1)
}

func TestKickoffNoRoute(t *testing.T) {
	var s, token = kickoffServer(t, nil)
	s.Routes[scm.KindGithub][0].Matches = func([]string) bool { return false }
	require.Equal(t, http.StatusForbidden, postKickoff(s, token, kickoffBody("main")).Code)
}
