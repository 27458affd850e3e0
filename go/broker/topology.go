// Package broker owns the AMQP topology and the publish/consume plumbing on
// top of it. The topology is declared once at bootstrap and is idempotent:
// every exchange and queue is durable and re-declaration is a no-op.
package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Exchange names. ScanIn is the single fanout publish point for workflow
// messages; the topic exchanges behind it filter by routing key.
const (
	ExchangeScanIn       = workflows.ElementPrefix + "scan-in"
	ExchangeScanAwait    = workflows.ElementPrefix + "scan-await"
	ExchangeScanPolling  = workflows.ElementPrefix + "scan-polling"
	ExchangeScanAnnotate = workflows.ElementPrefix + "scan-annotate"
	ExchangeFeedbackPR   = workflows.ElementPrefix + "scan-feedback-pr"
	ExchangeFeedbackPush = workflows.ElementPrefix + "scan-feedback-push"
	ExchangeResolver     = workflows.ElementPrefix + "exec-resolver"
	ExchangeResolverDLX  = workflows.ElementPrefix + "exec-resolver-dlx"
)

// Queue names.
const (
	QueueAwaitedScans    = workflows.ElementPrefix + "awaited-scans"
	QueuePollingScans    = workflows.ElementPrefix + "polling-scans"
	QueuePRAnnotate      = workflows.ElementPrefix + "pr-annotate"
	QueuePRFeedback      = workflows.ElementPrefix + "pr-feedback"
	QueuePushSarifGen    = workflows.ElementPrefix + "push-sarif-gen"
	QueueResolverTimeout = workflows.ElementPrefix + "resolver-timeout"
	QueueResolverDone    = workflows.ElementPrefix + "resolver-complete"
)

// ResolverQueue names the per-tag delegated-scan queue.
func ResolverQueue(tag string) string {
	return workflows.ElementPrefix + "resolver-" + tag
}

// ResolverRoutingKey routes a delegated scan request to the agents serving a
// tag.
func ResolverRoutingKey(tag string) string { return "delegated." + tag }

// resolverBinding matches every per-tag routing key on the DLX.
const resolverBinding = "delegated.#"

// Topology declares the broker layout. ResolverTags lists the tags this
// deployment delegates to; ScanTimeout is the per-tag queue message TTL.
type Topology struct {
	ResolverTags []string
	ScanTimeout  time.Duration
}

// DefaultScanTimeout bounds how long a delegated scan request waits for an
// agent before the issuer fails it.
const DefaultScanTimeout = 7200 * time.Second

func quorumArgs(extra amqp.Table) amqp.Table {
	var args = amqp.Table{"x-queue-type": "quorum"}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

// dlxArgs builds queue arguments for quorum queues that dead-letter. The
// at-least-once strategy requires reject-publish overflow.
func dlxArgs(dlx string, extra amqp.Table) amqp.Table {
	var args = quorumArgs(amqp.Table{
		"x-dead-letter-exchange": dlx,
		"x-dead-letter-strategy": "at-least-once",
		"x-overflow":             "reject-publish",
	})
	for k, v := range extra {
		args[k] = v
	}
	return args
}

// Declare establishes the full topology on ch. Safe to call from every
// process role at startup.
func (t *Topology) Declare(ch *amqp.Channel) error {
	if t.ScanTimeout <= 0 {
		t.ScanTimeout = DefaultScanTimeout
	}

	type exchange struct {
		name     string
		kind     string
		internal bool
	}
	for _, e := range []exchange{
		{ExchangeScanIn, "fanout", false},
		{ExchangeScanAwait, "topic", true},
		{ExchangeScanPolling, "topic", true},
		{ExchangeScanAnnotate, "topic", true},
		{ExchangeFeedbackPR, "topic", true},
		{ExchangeFeedbackPush, "topic", true},
		{ExchangeResolver, "topic", false},
		{ExchangeResolverDLX, "topic", true},
	} {
		if err := ch.ExchangeDeclare(e.name, e.kind, true, false, e.internal, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", e.name, err)
		}
	}

	// One publish to the fanout reaches every workflow topic exchange; each
	// topic exchange then selects by routing key.
	for _, dst := range []string{
		ExchangeScanAwait, ExchangeScanAnnotate, ExchangeFeedbackPR, ExchangeFeedbackPush,
	} {
		if err := ch.ExchangeBind(dst, "#", ExchangeScanIn, false, nil); err != nil {
			return fmt.Errorf("binding exchange %s: %w", dst, err)
		}
	}

	type queue struct {
		name     string
		exchange string
		binding  string
		args     amqp.Table
	}
	var queues = []queue{
		{QueueAwaitedScans, ExchangeScanAwait,
			workflows.Binding("", workflows.StateAwait, "", ""),
			dlxArgs(ExchangeScanPolling, nil)},
		{QueuePollingScans, ExchangeScanPolling,
			workflows.Binding("", workflows.StateAwait, "", ""),
			quorumArgs(nil)},
		{QueuePRAnnotate, ExchangeScanAnnotate,
			workflows.Binding(workflows.ScopePR, workflows.StateAnnotate, "", ""),
			quorumArgs(nil)},
		{QueuePRFeedback, ExchangeFeedbackPR,
			workflows.Binding(workflows.ScopePR, workflows.StateFeedback, "", ""),
			quorumArgs(nil)},
		{QueuePushSarifGen, ExchangeFeedbackPush,
			workflows.Binding(workflows.ScopePush, workflows.StateFeedback, "", ""),
			quorumArgs(nil)},
		{QueueResolverTimeout, ExchangeResolverDLX, resolverBinding, quorumArgs(nil)},
		{QueueResolverDone, ExchangeResolver,
			workflows.Binding(workflows.ScopeExec, "", "", ""),
			quorumArgs(nil)},
	}
	for _, tag := range t.ResolverTags {
		queues = append(queues, queue{
			ResolverQueue(tag), ExchangeResolver, ResolverRoutingKey(tag),
			dlxArgs(ExchangeResolverDLX, amqp.Table{
				"x-message-ttl": t.ScanTimeout.Milliseconds(),
			}),
		})
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declaring queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.binding, q.exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s: %w", q.name, err)
		}
	}
	return nil
}
