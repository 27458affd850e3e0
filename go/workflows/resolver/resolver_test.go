package resolver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type polled struct {
	moniker   string
	projectID string
	scanID    string
}

type published struct {
	key string
	msg messaging.Message
}

type fakePublisher struct{ sent []published }

func (p *fakePublisher) Publish(_ context.Context, _, key string, m messaging.Message, _ time.Duration) error {
	p.sent = append(p.sent, published{key, m})
	return nil
}

func newSigner(t *testing.T) (*signing.PayloadSigner, *signing.PayloadVerifier) {
	t.Helper()
	var pub, priv, err = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	signer, err := signing.NewPayloadSigner(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)
	return signer, signing.NewPayloadVerifierFromKey(pub)
}

func signedRequest(t *testing.T, signer *signing.PayloadSigner) *messaging.DelegatedScanMessage {
	t.Helper()
	var details = &messaging.DelegatedScanDetails{
		CloneURL:   "https://scm/r.git",
		CommitHash: "abc",
		ProjectID:  "p1",
		Handoff: messaging.HandoffConfig{
			Version: messaging.HandoffVersion, Moniker: "svc",
			SCM:     messaging.ServiceBinding{Endpoint: "https://scm", CredentialRef: "c1"},
			Scanner: messaging.ServiceBinding{Endpoint: "https://ast", CredentialRef: "c2"},
		},
		WorkflowDetails: messaging.WorkflowDetails{SourceBranch: "main", SourceHash: "abc"},
	}
	var enc, err = messaging.EncodeDetails(details)
	require.NoError(t, err)
	sig, err := signer.Sign(enc)
	require.NoError(t, err)
	return messaging.NewDelegatedScanMessage("svc", workflows.WorkflowPush, enc, sig, false)
}

func newService(t *testing.T, verifier *signing.PayloadVerifier) (*Service, *fakePublisher, *[]polled) {
	t.Helper()
	var pub = &fakePublisher{}
	var polls []polled
	var svc = &Service{
		Verifiers: func(string) (*signing.PayloadVerifier, bool) { return verifier, true },
		Publisher: pub,
		StartPoll: func(_ context.Context, moniker string, _ workflows.ScanWorkflow, projectID, scanID string, _ messaging.WorkflowDetails) error {
			polls = append(polls, polled{moniker, projectID, scanID})
			return nil
		},
	}
	return svc, pub, &polls
}

func resultDelivery(t *testing.T, m *messaging.DelegatedScanResultMessage) amqp.Delivery {
	t.Helper()
	var body, err = messaging.Encode(m)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestSuccessfulResultStartsPolling(t *testing.T) {
	var signer, verifier = newSigner(t)
	var svc, pub, polls = newService(t, verifier)

	var zero = 0
	var result = messaging.NewDelegatedScanResultMessage(signedRequest(t, signer), &zero, "scan-9", nil)
	require.NoError(t, svc.HandleResult(context.Background(), resultDelivery(t, result)))

	require.Empty(t, pub.sent)
	require.Equal(t, []polled{{"svc", "p1", "scan-9"}}, *polls)
}

func TestSoftFailureStillPolls(t *testing.T) {
	var signer, verifier = newSigner(t)
	var svc, pub, polls = newService(t, verifier)

	var one = 1
	var result = messaging.NewDelegatedScanResultMessage(signedRequest(t, signer), &one, "scan-9", nil)
	require.NoError(t, svc.HandleResult(context.Background(), resultDelivery(t, result)))

	require.Empty(t, pub.sent)
	require.Len(t, *polls, 1)
}

func TestHardFailurePublishesFeedbackError(t *testing.T) {
	var signer, verifier = newSigner(t)
	var svc, pub, polls = newService(t, verifier)

	var result = messaging.NewDelegatedScanResultMessage(signedRequest(t, signer), nil, "", nil)
	require.NoError(t, svc.HandleResult(context.Background(), resultDelivery(t, result)))

	require.Empty(t, *polls)
	require.Len(t, pub.sent, 1)
	var fb = pub.sent[0].msg.(*messaging.ScanFeedbackMessage)
	require.True(t, fb.IsError)
	require.Equal(t, "p1", fb.ProjectID)
}

func TestForgedResultDropped(t *testing.T) {
	var signer, _ = newSigner(t)
	var _, otherVerifier = newSigner(t)
	var svc, pub, polls = newService(t, otherVerifier)

	var zero = 0
	var result = messaging.NewDelegatedScanResultMessage(signedRequest(t, signer), &zero, "scan-9", nil)
	require.NoError(t, svc.HandleResult(context.Background(), resultDelivery(t, result)))

	require.Empty(t, *polls)
	require.Empty(t, pub.sent)
}

func TestTimeoutPublishesFailure(t *testing.T) {
	var signer, verifier = newSigner(t)
	var svc, pub, polls = newService(t, verifier)

	var body, err = messaging.Encode(signedRequest(t, signer))
	require.NoError(t, err)
	require.NoError(t, svc.HandleTimeout(context.Background(), amqp.Delivery{
		Body: body,
		Headers: amqp.Table{"x-death": []interface{}{amqp.Table{
			"original-expiration": "7200000", "count": int64(1)}}},
	}))

	require.Empty(t, *polls)
	require.Len(t, pub.sent, 1)
	require.Equal(t, "cxoneflow.push.feedback.push.svc", pub.sent[0].key)
}

func TestTimeoutRetryBound(t *testing.T) {
	var signer, verifier = newSigner(t)
	var svc, pub, _ = newService(t, verifier)

	var body, err = messaging.Encode(signedRequest(t, signer))
	require.NoError(t, err)
	require.NoError(t, svc.HandleTimeout(context.Background(), amqp.Delivery{
		Body: body,
		Headers: amqp.Table{"x-death": []interface{}{amqp.Table{
			"original-expiration": "7200000", "count": int64(99)}}},
	}))
	require.Empty(t, pub.sent)
}
