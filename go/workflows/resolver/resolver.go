// Package resolver is the issuer side of the delegated-resolver protocol:
// it consumes agent results and dead-lettered timeouts, authenticates them
// against the issuer's own signing key, and routes surviving scans into the
// polling pipeline.
package resolver

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Publisher is the broker surface the issuer needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error
}

// PollStarter opens the scan-await conversation for a delegated scan that
// made it into the scanner.
type PollStarter func(ctx context.Context, moniker string, workflow workflows.ScanWorkflow, projectID, scanID string, details messaging.WorkflowDetails) error

// VerifierResolver maps a service moniker onto the verifier for its signing
// key.
type VerifierResolver func(moniker string) (*signing.PayloadVerifier, bool)

// Service consumes the resolver-complete and resolver-timeout queues.
type Service struct {
	// Verifiers resolve the issuer's own public key per service; results
	// whose preserved signature does not verify are dropped.
	Verifiers VerifierResolver
	Publisher Publisher
	StartPoll PollStarter
	// MaxRetries bounds delegated-scan redeliveries counted via x-death.
	MaxRetries int64
}

func (s *Service) maxRetries() int64 {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 5
}

// HandleResult processes one agent result. All outcomes ack; nothing here is
// repaired by redelivery.
func (s *Service) HandleResult(ctx context.Context, d amqp.Delivery) error {
	var m messaging.DelegatedScanResultMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable resolver result")
		return nil
	}
	var logger = log.WithFields(log.Fields{
		"service":     m.Moniker,
		"correlation": m.CorrelationID,
		"state":       m.State,
	})

	var verifier, ok = s.Verifiers(m.Moniker)
	if !ok {
		logger.Error("no signing key known for resolver result, dropping")
		return nil
	}
	if err := verifier.Verify(m.Details, m.DetailsSignature); err != nil {
		logger.Warn("resolver result signature does not verify, dropping")
		return nil
	}
	details, err := messaging.DecodeDetails(m.Details)
	if err != nil {
		logger.WithError(err).Error("resolver result details unusable")
		return nil
	}
	var workflow = workflows.ScanWorkflow(m.Workflow)

	if m.State == workflows.StateFailure && m.ScanID == "" {
		// Hard failure: the agent could not produce a scan at all.
		logger.WithField("project", details.ProjectID).Error("delegated scan failed before submission")
		s.publishFailure(ctx, m.Moniker, workflow, details, "dependency resolution failed")
		return nil
	}

	if m.State == workflows.StateFailure {
		// Soft failure: resolution failed but the scan was still submitted
		// and proceeds, tagged resolver=failure by the agent.
		logger.WithFields(log.Fields{"scan": m.ScanID, "exit": m.ResolverExitCode}).
			Warn("delegated scan submitted with failed resolution")
	}

	if err := s.StartPoll(ctx, m.Moniker, workflow, details.ProjectID, m.ScanID, details.WorkflowDetails); err != nil {
		logger.WithError(err).Error("starting polling for delegated scan failed")
	}
	return nil
}

// HandleTimeout processes a delegated scan request that dead-lettered out of
// its per-tag queue without being serviced.
func (s *Service) HandleTimeout(ctx context.Context, d amqp.Delivery) error {
	var m messaging.DelegatedScanMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable timed-out delegated scan")
		return nil
	}
	var logger = log.WithFields(log.Fields{
		"service":     m.Moniker,
		"correlation": m.CorrelationID,
		"deaths":      broker.DeathCount(d.Headers),
	})

	details, err := messaging.DecodeDetails(m.Details)
	if err != nil {
		logger.WithError(err).Error("timed-out delegated scan details unusable")
		return nil
	}
	if broker.DeathCount(d.Headers) > s.maxRetries() {
		logger.Error("delegated scan exceeded retry bound, abandoning")
		return nil
	}

	logger.WithField("project", details.ProjectID).Error("delegated scan timed out waiting for an agent")
	s.publishFailure(ctx, m.Moniker, workflows.ScanWorkflow(m.Workflow), details, "no resolver agent serviced the scan in time")
	return nil
}

func (s *Service) publishFailure(ctx context.Context, moniker string, workflow workflows.ScanWorkflow, details *messaging.DelegatedScanDetails, msg string) {
	var fb = messaging.NewScanFeedbackMessage(moniker, workflow, details.ProjectID, "", details.WorkflowDetails, msg)
	var scope = workflows.ScopeFor(workflow)
	if err := s.Publisher.Publish(ctx, broker.ExchangeScanIn,
		workflows.Topic(scope, workflows.StateFeedback, workflow, moniker), fb, 0); err != nil {
		log.WithField("service", moniker).WithError(err).Error("publishing delegated failure feedback failed")
	}
}
