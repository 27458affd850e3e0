package pushfeedback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type fakeScanner struct {
	cxone.Client
	sarif []byte
	err   error
}

func (f *fakeScanner) SarifReport(context.Context, string) ([]byte, error) {
	return f.sarif, f.err
}

type captureAgent struct {
	payloads [][]byte
	headers  []map[string]string
}

func (a *captureAgent) Deliver(_ context.Context, payload []byte, headers map[string]string) error {
	a.payloads = append(a.payloads, payload)
	a.headers = append(a.headers, headers)
	return nil
}

func feedbackDelivery(t *testing.T, errorMsg string) amqp.Delivery {
	t.Helper()
	var m = messaging.NewScanFeedbackMessage("svc", workflows.WorkflowPush, "p1", "s1",
		messaging.WorkflowDetails{
			CloneURL:     "https://scm/repo.git",
			SourceBranch: "main",
			SourceHash:   "abc123",
		}, errorMsg)
	var body, err = messaging.Encode(m)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestSarifDeliverySignedAndCompressed(t *testing.T) {
	var sarif = []byte(`{"version":"2.1.0","runs":[]}`)
	var agent = &captureAgent{}
	var secret = []byte("downstream-secret")
	var svc = &Service{Routes: func(string) (*Route, bool) {
		return &Route{
			Scanner: &fakeScanner{sarif: sarif},
			Secret:  secret,
			Agents:  []DeliveryAgent{agent},
		}, true
	}}

	require.NoError(t, svc.HandleFeedback(context.Background(), feedbackDelivery(t, "")))
	require.Len(t, agent.payloads, 1)

	var headers = agent.headers[0]
	require.Equal(t, "sha256", headers[HeaderSignatureAlg])
	require.Equal(t, "false", headers[HeaderIsError])
	require.Equal(t, "s1", headers[HeaderScanID])
	require.Equal(t, "main", headers[HeaderBranch])
	require.Equal(t, "abc123", headers[HeaderCommit])

	// The signature covers the compressed body and verifies.
	require.NoError(t, signing.HMACVerify(headers[HeaderSignature], secret, agent.payloads[0]))

	decompressed, err := messaging.Decompress(agent.payloads[0])
	require.NoError(t, err)
	require.Equal(t, sarif, decompressed)
}

func TestErrorFeedbackShipsErrorEnvelope(t *testing.T) {
	var agent = &captureAgent{}
	var svc = &Service{Routes: func(string) (*Route, bool) {
		return &Route{Scanner: &fakeScanner{}, Secret: []byte("k"), Agents: []DeliveryAgent{agent}}, true
	}}

	require.NoError(t, svc.HandleFeedback(context.Background(), feedbackDelivery(t, "engine died")))
	require.Len(t, agent.payloads, 1)
	require.Equal(t, "true", agent.headers[0][HeaderIsError])

	var body, err = messaging.Decompress(agent.payloads[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"engine died"}`, string(body))
}

func TestHTTPAgentRetries(t *testing.T) {
	var calls atomic.Int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		require.Equal(t, "s1", r.Header.Get(HeaderScanID))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var agent = &HTTPAgent{URL: server.URL, Retries: 3, RetryDelay: time.Millisecond}
	var err = agent.Deliver(context.Background(), []byte("payload"), map[string]string{HeaderScanID: "s1"})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestHTTPAgentGivesUpAfterRetries(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var agent = &HTTPAgent{URL: server.URL, Retries: 2, RetryDelay: time.Millisecond}
	require.Error(t, agent.Deliver(context.Background(), []byte("payload"), nil))
}
