package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler processing outcomes. ErrDiscard acknowledges without retry
// (duplicates, validation failures); any other error republishes the
// delivery with an incremented attempt header until the retry budget is
// spent, then dead-letters it.
var ErrDiscard = errors.New("queue: discard message")

// Republished retries carry the attempt count and the original routing key
// in headers; a broker requeue would not touch headers and the default
// exchange rewrites the key.
const (
	attemptsHeader    = "x-attempts"
	originalKeyHeader = "x-original-key"
)

type Handler func(ctx context.Context, routingKey string, body []byte) error

type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Bindings   []string
	Prefetch   int // 1 preserves per-device ordering for protocol events
	MaxRetries int
	DLXName    string
	Name       string
}

type Consumer struct {
	cfg  ConsumerConfig
	log  *logrus.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(cfg ConsumerConfig, log *logrus.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Consumer{cfg: cfg, log: log}
}

func (c *Consumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	args := amqp.Table{}
	if c.cfg.DLXName != "" {
		args["x-dead-letter-exchange"] = c.cfg.DLXName
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	for _, key := range c.cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if c.cfg.DLXName != "" {
		if err := ch.ExchangeDeclare(c.cfg.DLXName, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare dlx: %w", err)
		}
		dlq := c.cfg.Queue + ".dead"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("declare dlq: %w", err)
		}
		if err := ch.QueueBind(dlq, "#", c.cfg.DLXName, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("bind dlq: %w", err)
		}
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run pulls deliveries until the context is cancelled. A message is either
// acknowledged (success or permanent failure) or redelivered; there is no
// in-flight cancellation.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	key := originalKey(d)
	err := handle(ctx, key, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDiscard):
		c.log.WithFields(logrus.Fields{"key": key, "queue": c.cfg.Queue}).
			WithError(err).Debug("message discarded")
		_ = d.Ack(false)
	default:
		attempts := attemptCount(d)
		if attempts >= c.cfg.MaxRetries {
			c.log.WithFields(logrus.Fields{"key": key, "attempts": attempts}).
				WithError(err).Error("retry budget exhausted, dead-lettering")
			_ = d.Nack(false, false) // routes to DLX
			return
		}
		c.log.WithFields(logrus.Fields{"key": key, "attempts": attempts}).
			WithError(err).Warn("handler failed, republishing for retry")
		if perr := c.republish(ctx, d, key, attempts+1); perr != nil {
			c.log.WithError(perr).WithField("queue", c.cfg.Queue).Error("retry republish failed, requeueing in place")
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	}
}

// republish re-enqueues the delivery at the tail of the work queue with the
// attempt count bumped. Goes through the default exchange straight to the
// queue, so the topic exchange never sees the retry.
func (c *Consumer) republish(ctx context.Context, d amqp.Delivery, key string, attempts int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int64(attempts)
	headers[originalKeyHeader] = key
	return c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
}

// attemptCount reads the retry header; field type varies by publisher.
func attemptCount(d amqp.Delivery) int {
	switch v := d.Headers[attemptsHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 0
}

// originalKey recovers the routing key a retried delivery was first
// published under.
func originalKey(d amqp.Delivery) string {
	if key, ok := d.Headers[originalKeyHeader].(string); ok && key != "" {
		return key
	}
	return d.RoutingKey
}
