// Package pushfeedback delivers SARIF findings for completed push scans to
// downstream consumers. Payloads are gzip-compressed and HMAC-signed; error
// outcomes ship a small JSON error envelope under the same discipline.
package pushfeedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
)

// Delivery headers understood by downstream consumers.
const (
	HeaderSignatureAlg = "x-cx-signature-alg"
	HeaderSignature    = "x-cx-signature"
	HeaderScanID       = "x-cx-scanid"
	HeaderProjectID    = "x-cx-projectid"
	HeaderService      = "x-cx-service"
	HeaderCloneURL     = "x-cx-clone-url"
	HeaderBranch       = "x-cx-branch"
	HeaderCommit       = "x-cx-commit"
	HeaderIsError      = "x-cx-is-error"
)

// DeliveryAgent ships one signed, compressed payload.
type DeliveryAgent interface {
	Deliver(ctx context.Context, payload []byte, headers map[string]string) error
}

// HTTPAgent POSTs the payload with bounded retries and a linear delay.
type HTTPAgent struct {
	URL        string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func (a *HTTPAgent) Deliver(ctx context.Context, payload []byte, headers map[string]string) error {
	var client = a.Client
	if client == nil {
		client = http.DefaultClient
	}
	var attempts = a.Retries
	if attempts <= 0 {
		attempts = 3
	}
	var delay = a.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * delay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("building sarif delivery request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("sarif delivery returned %s", resp.Status)
	}
	return fmt.Errorf("sarif delivery to %s failed after %d attempts: %w", a.URL, attempts, lastErr)
}

// RawPublisher is the broker surface the AMQP agent needs.
type RawPublisher interface {
	PublishRaw(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, ttl time.Duration) error
}

// AMQPAgent publishes the payload to a downstream exchange, carrying the
// delivery headers as AMQP headers.
type AMQPAgent struct {
	Publisher  RawPublisher
	Exchange   string
	RoutingKey string
}

func (a *AMQPAgent) Deliver(ctx context.Context, payload []byte, headers map[string]string) error {
	var table = amqp.Table{"content-encoding": "gzip"}
	for k, v := range headers {
		table[k] = v
	}
	return a.Publisher.PublishRaw(ctx, a.Exchange, a.RoutingKey, payload, table, 0)
}

// Route is the per-service configuration of the SARIF pipeline.
type Route struct {
	Scanner cxone.Client
	// Secret signs the compressed payload; Alg is the HMAC hash name.
	Secret []byte
	Alg    string
	Agents []DeliveryAgent
}

// RouteResolver maps a moniker onto its route.
type RouteResolver func(moniker string) (*Route, bool)

// Service consumes the push-sarif-gen queue.
type Service struct {
	Routes RouteResolver
}

// HandleFeedback generates and delivers the SARIF document for one terminal
// push scan. All failures are logged and acked; redelivery cannot repair
// them.
func (s *Service) HandleFeedback(ctx context.Context, d amqp.Delivery) error {
	var m messaging.ScanFeedbackMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable feedback message")
		return nil
	}
	var logger = log.WithFields(log.Fields{"service": m.Moniker, "scan": m.ScanID})
	var route, ok = s.Routes(m.Moniker)
	if !ok {
		logger.Error("no route for sarif feedback")
		return nil
	}

	var payload []byte
	var isError = m.IsError
	if isError {
		payload, _ = json.Marshal(map[string]string{"error": m.ErrorMsg})
	} else {
		var err error
		if payload, err = route.Scanner.SarifReport(ctx, m.ScanID); err != nil {
			logger.WithError(err).Error("sarif generation failed, shipping error envelope")
			payload, _ = json.Marshal(map[string]string{"error": err.Error()})
			isError = true
		}
	}

	var compressed, err = messaging.Compress(payload)
	if err != nil {
		logger.WithError(err).Error("sarif compression failed")
		return nil
	}
	var alg = route.Alg
	if alg == "" {
		alg = "sha256"
	}
	signature, err := signing.HMACSign(route.Secret, compressed, alg)
	if err != nil {
		logger.WithError(err).Error("sarif signing failed")
		return nil
	}

	var headers = map[string]string{
		HeaderSignatureAlg: alg,
		HeaderSignature:    signature,
		HeaderScanID:       m.ScanID,
		HeaderProjectID:    m.ProjectID,
		HeaderService:      m.Moniker,
		HeaderCloneURL:     m.WorkflowDetails.CloneURL,
		HeaderBranch:       m.WorkflowDetails.SourceBranch,
		HeaderCommit:       m.WorkflowDetails.SourceHash,
		HeaderIsError:      strconv.FormatBool(isError),
	}

	for _, agent := range route.Agents {
		if err := agent.Deliver(ctx, compressed, headers); err != nil {
			logger.WithError(err).Error("sarif delivery failed")
		}
	}
	logger.Info("sarif feedback processed")
	return nil
}
