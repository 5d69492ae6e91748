package queue

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestAttemptCount(t *testing.T) {
	t.Run("no header", func(t *testing.T) {
		assert.Equal(t, 0, attemptCount(amqp.Delivery{}))
	})

	t.Run("malformed header", func(t *testing.T) {
		d := amqp.Delivery{Headers: amqp.Table{attemptsHeader: "nope"}}
		assert.Equal(t, 0, attemptCount(d))
	})

	t.Run("accepts the integer widths brokers hand back", func(t *testing.T) {
		for _, h := range []amqp.Table{
			{attemptsHeader: int64(2)},
			{attemptsHeader: int32(2)},
			{attemptsHeader: int(2)},
		} {
			assert.Equal(t, 2, attemptCount(amqp.Delivery{Headers: h}))
		}
	})
}

func TestOriginalKey(t *testing.T) {
	t.Run("first delivery uses the broker routing key", func(t *testing.T) {
		d := amqp.Delivery{RoutingKey: "status-notification"}
		assert.Equal(t, "status-notification", originalKey(d))
	})

	t.Run("retried delivery recovers the header key", func(t *testing.T) {
		d := amqp.Delivery{
			RoutingKey: "csms.protocol-events",
			Headers:    amqp.Table{originalKeyHeader: "status-notification"},
		}
		assert.Equal(t, "status-notification", originalKey(d))
	})
}

func TestNewConsumerDefaults(t *testing.T) {
	c := NewConsumer(ConsumerConfig{Queue: "q"}, nil)
	assert.Equal(t, 1, c.cfg.Prefetch)
	assert.Equal(t, 3, c.cfg.MaxRetries)
}
