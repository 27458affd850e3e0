package polling

import (
	"context"
	"strconv"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type published struct {
	exchange string
	key      string
	msg      messaging.Message
	ttl      time.Duration
}

type fakePublisher struct{ sent []published }

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error {
	p.sent = append(p.sent, published{exchange, key, m, ttl})
	return nil
}

type fakeScanner struct {
	cxone.Client
	scan *cxone.Scan
	err  error
}

func (f *fakeScanner) ScanByID(context.Context, string) (*cxone.Scan, error) {
	return f.scan, f.err
}

func newService(scanner *fakeScanner) (*Service, *fakePublisher) {
	var pub = &fakePublisher{}
	return &Service{
		Publisher: pub,
		Scanners: func(string) (cxone.Client, bool) {
			return scanner, true
		},
	}, pub
}

func delivery(t *testing.T, m *messaging.ScanAwaitMessage, prevTTL time.Duration) amqp.Delivery {
	t.Helper()
	var body, err = messaging.Encode(m)
	require.NoError(t, err)
	var headers amqp.Table
	if prevTTL > 0 {
		headers = amqp.Table{"x-death": []interface{}{amqp.Table{
			"original-expiration": strconv.FormatInt(prevTTL.Milliseconds(), 10),
			"count":               int64(1),
		}}}
	}
	return amqp.Delivery{Body: body, Headers: headers}
}

func awaitMsg(dropBy time.Time) *messaging.ScanAwaitMessage {
	return messaging.NewScanAwaitMessage("svc", workflows.WorkflowPR, "p1", "s1",
		messaging.WorkflowDetails{PRID: "42"}, dropBy)
}

func TestExecutingScanRescheduledWithBackoff(t *testing.T) {
	var svc, pub = newService(&fakeScanner{scan: &cxone.Scan{ID: "s1", Status: cxone.ScanStatusRunning}})

	var d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 120*time.Second)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Len(t, pub.sent, 1)
	require.Equal(t, "cxoneflow.pr.await.pull-request.svc", pub.sent[0].key)
	require.Equal(t, 240*time.Second, pub.sent[0].ttl)
}

func TestBackoffCapsAtMaxInterval(t *testing.T) {
	var svc, pub = newService(&fakeScanner{scan: &cxone.Scan{Status: cxone.ScanStatusQueued}})

	var d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 480*time.Second)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Equal(t, 600*time.Second, pub.sent[0].ttl)

	d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 600*time.Second)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Equal(t, 600*time.Second, pub.sent[1].ttl)
}

func TestDropByDeadlineStopsPolling(t *testing.T) {
	var svc, pub = newService(&fakeScanner{scan: &cxone.Scan{Status: cxone.ScanStatusRunning}})

	var d = delivery(t, awaitMsg(time.Now().Add(-time.Minute)), 0)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Empty(t, pub.sent)
}

func TestTerminalSuccessFansOutFeedback(t *testing.T) {
	var svc, pub = newService(&fakeScanner{scan: &cxone.Scan{Status: cxone.ScanStatusCompleted}})

	var d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 60*time.Second)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Len(t, pub.sent, 1)
	require.Equal(t, "cxoneflow.pr.feedback.pull-request.svc", pub.sent[0].key)

	var fb = pub.sent[0].msg.(*messaging.ScanFeedbackMessage)
	require.False(t, fb.IsError)
	require.Equal(t, "42", fb.WorkflowDetails.PRID)
}

func TestTerminalFailureCarriesError(t *testing.T) {
	var svc, pub = newService(&fakeScanner{scan: &cxone.Scan{Status: cxone.ScanStatusFailed}})

	var d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 0)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))

	var fb = pub.sent[0].msg.(*messaging.ScanFeedbackMessage)
	require.True(t, fb.IsError)
	require.Contains(t, fb.ErrorMsg, cxone.ScanStatusFailed)
}

func TestScannerErrorEndsPolling(t *testing.T) {
	var svc, pub = newService(&fakeScanner{err: context.DeadlineExceeded})

	var d = delivery(t, awaitMsg(time.Now().Add(time.Hour)), 0)
	require.NoError(t, svc.HandleDelivery(context.Background(), d))
	require.Empty(t, pub.sent)
}
