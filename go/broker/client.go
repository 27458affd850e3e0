package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/messaging"
)

// Config selects the broker endpoint.
type Config struct {
	// URL is an amqp:// or amqps:// connection string.
	URL string
	// SSLVerify disables TLS certificate verification when false.
	SSLVerify bool
	// Timeout bounds connection establishment and publish confirmation.
	Timeout time.Duration
}

// Client is a process-wide AMQP connection with a confirm-mode publish
// channel. Consumers open their own channels so prefetch windows are
// independent.
type Client struct {
	conn    *amqp.Connection
	pub     *amqp.Channel
	timeout time.Duration
}

// Connect dials the broker, opens the publish channel in confirm mode, and
// declares the topology.
func Connect(cfg Config, topo *Topology) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var conn *amqp.Connection
	var err error
	if cfg.SSLVerify {
		conn, err = amqp.Dial(cfg.URL)
	} else {
		conn, err = amqp.DialTLS(cfg.URL, &tls.Config{InsecureSkipVerify: true})
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}
	if err = pub.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	if topo != nil {
		if err = topo.Declare(pub); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &Client{conn: conn, pub: pub, timeout: cfg.Timeout}, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Publish encodes and publishes a message, waiting for broker confirmation.
// A non-zero ttl sets the per-message expiration.
func (c *Client) Publish(ctx context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error {
	var body, err = messaging.Encode(m)
	if err != nil {
		return err
	}
	return c.PublishRaw(ctx, exchange, key, body, nil, ttl)
}

// PublishRaw publishes pre-encoded bytes with confirmation. headers may be
// nil.
func (c *Client) PublishRaw(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var pub = amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      headers,
		Body:         body,
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	confirm, err := c.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		return fmt.Errorf("publishing to %s %s: %w", exchange, key, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("awaiting confirm for %s %s: %w", exchange, key, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s %s", exchange, key)
	}
	return nil
}

// Handler processes one delivery. Returning nil acks; a non-nil error nacks
// without requeue (quorum queue delivery limits provide the retry bound).
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consume runs a consumer loop over a queue until ctx is done. Each delivery
// is handled serially; prefetch is one so an agent holds a single message
// in-flight.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	var ch, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel for %s: %w", queue, err)
	}
	defer ch.Close()

	if err = ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch for %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consumer channel for %s closed", queue)
			}
			if err := handler(ctx, d); err != nil {
				log.WithFields(log.Fields{"queue": queue, "err": err}).
					Error("message handler failed")
				if nerr := d.Nack(false, false); nerr != nil {
					log.WithField("queue", queue).WithError(nerr).Warn("nack failed")
				}
				continue
			}
			if aerr := d.Ack(false); aerr != nil {
				log.WithField("queue", queue).WithError(aerr).Warn("ack failed")
			}
		}
	}
}
