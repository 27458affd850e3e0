// Package polling drives the scan-await state machine. Expired AWAIT tokens
// dead-letter into the polling queue; this consumer checks scanner status and
// either republishes the token with a backed-off TTL or fans the terminal
// outcome out to the feedback pipeline.
package polling

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Publisher is the broker surface the poller needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error
}

// ScannerResolver maps a service moniker to its scanner client.
type ScannerResolver func(moniker string) (cxone.Client, bool)

// Backoff parameters for the AWAIT TTL sequence.
const (
	DefaultInitialInterval = 60 * time.Second
	DefaultMaxInterval     = 600 * time.Second
	DefaultBackoffScalar   = 2
)

// Service is the polling consumer.
type Service struct {
	Publisher Publisher
	Scanners  ScannerResolver

	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffScalar   int64
}

func (s *Service) initial() time.Duration {
	if s.InitialInterval > 0 {
		return s.InitialInterval
	}
	return DefaultInitialInterval
}

func (s *Service) max() time.Duration {
	if s.MaxInterval > 0 {
		return s.MaxInterval
	}
	return DefaultMaxInterval
}

func (s *Service) scalar() int64 {
	if s.BackoffScalar > 0 {
		return s.BackoffScalar
	}
	return DefaultBackoffScalar
}

// HandleDelivery processes one expired AWAIT token. It always returns nil:
// every terminal condition here is resolved with an ack, never a redelivery.
func (s *Service) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	var m messaging.ScanAwaitMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable await message")
		return nil
	}
	var logger = log.WithFields(log.Fields{
		"service":     m.Moniker,
		"project":     m.ProjectID,
		"scan":        m.ScanID,
		"correlation": m.CorrelationID,
	})

	if time.Now().After(time.Unix(m.DropBy, 0)) {
		logger.Warn("scan polling deadline passed, dropping")
		return nil
	}

	var client, ok = s.Scanners(m.Moniker)
	if !ok {
		logger.Error("no scanner configured for service, dropping")
		return nil
	}
	scan, err := client.ScanByID(ctx, m.ScanID)
	if err != nil {
		// A scanner API failure ends polling for this scan; redelivery
		// would only repeat it.
		logger.WithError(err).Error("scan status lookup failed, polling ends")
		return nil
	}

	var workflow = workflows.ScanWorkflow(m.Workflow)
	var scope = workflows.ScopeFor(workflow)

	if scan.IsExecuting() {
		var ttl = broker.NextPollInterval(d.Headers, s.initial(), s.max(), s.scalar())
		logger.WithField("next_interval", ttl).Debug("scan executing, rescheduling poll")
		if err := s.Publisher.Publish(ctx, broker.ExchangeScanIn,
			workflows.Topic(scope, workflows.StateAwait, workflow, m.Moniker), &m, ttl); err != nil {
			logger.WithError(err).Error("rescheduling poll failed")
		}
		return nil
	}

	var errorMsg string
	if !scan.IsSuccess() {
		errorMsg = "scan " + m.ScanID + " ended with status " + scan.Status
	}
	var feedback = messaging.NewScanFeedbackMessage(m.Moniker, workflow, m.ProjectID, m.ScanID, m.WorkflowDetails, errorMsg)
	logger.WithFields(log.Fields{"status": scan.Status, "is_error": feedback.IsError}).
		Info("scan reached terminal state")

	if err := s.Publisher.Publish(ctx, broker.ExchangeScanIn,
		workflows.Topic(scope, workflows.StateFeedback, workflow, m.Moniker), feedback, 0); err != nil {
		logger.WithError(err).Error("feedback publish failed")
	}
	return nil
}
