// Package consumer implements C4: on-demand single-message pull with
// manual ack and exposure of the broker-reported remaining count. The
// delivery's redelivered flag is not exposed.
package consumer

import (
	"strconv"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
	"github.com/wudi/bunnyproxy/internal/identity"
	"github.com/wudi/bunnyproxy/internal/metrics"
)

const headerMessageCount = "X-Bunny-Message-Count"

// Channel is the subset of the shared regular channel a consumer needs.
type Channel interface {
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	QueueDeclarePassive(name string) error
	Ack(tag uint64, multiple bool) error
}

// Message is one successfully pulled delivery, ready to render as an HTTP
// response.
type Message struct {
	Body         []byte
	ContentType  string
	MessageCount uint32
	Headers      map[string]string
}

// Consumer owns one queue's on-demand pull path (spec.md §4.4).
type Consumer struct {
	queue   string
	guard   *identity.Guard
	metrics metrics.Sink
	log     *zap.Logger
	channel Channel
}

// New constructs a Consumer and passively asserts its queue. Queue
// assertion failure is fatal during startup.
func New(queue string, guard *identity.Guard, m metrics.Sink, log *zap.Logger, channel Channel) (*Consumer, error) {
	if err := channel.QueueDeclarePassive(queue); err != nil {
		return nil, err
	}
	return &Consumer{queue: queue, guard: guard, metrics: m, log: log, channel: channel}, nil
}

// Queue returns the name of the queue this consumer owns.
func (c *Consumer) Queue() string { return c.queue }

// Guard returns the identity guard protecting this consumer's route.
func (c *Consumer) Guard() *identity.Guard { return c.guard }

// ConsumeOne performs a single non-waiting basic.get and acks it before
// returning, per spec.md §4.4. The caller has already passed the identity
// guard.
func (c *Consumer) ConsumeOne() (Message, *bunnyerr.Fault) {
	delivery, ok, err := c.channel.Get(c.queue, false)
	if err != nil {
		c.metrics.ConsumeResult(c.queue, "error")
		return Message{}, bunnyerr.Wrap(bunnyerr.ErrBrokerRejected, err)
	}
	if !ok {
		c.metrics.ConsumeResult(c.queue, "empty")
		return Message{}, bunnyerr.ErrEmpty
	}

	msg := Message{
		Body:         delivery.Body,
		ContentType:  delivery.ContentType,
		MessageCount: delivery.MessageCount,
		Headers:      passthroughHeaders(delivery.Headers),
	}

	if ackErr := c.channel.Ack(delivery.DeliveryTag, false); ackErr != nil {
		c.log.Warn("consume: ack failed, message delivered at-least-once",
			zap.String("queue", c.queue), zap.Uint64("deliveryTag", delivery.DeliveryTag), zap.Error(ackErr))
	}

	c.metrics.ConsumeResult(c.queue, "ok")
	return msg, nil
}

// MessageCountHeaderName returns the header name carrying the
// broker-reported remaining message count, exported for the router.
func MessageCountHeaderName() string { return headerMessageCount }

// passthroughHeaders converts AMQP header table values beginning X-Bunny-
// into a string map for HTTP response headers.
func passthroughHeaders(table amqp091.Table) map[string]string {
	out := map[string]string{}
	for name, value := range table {
		if !strings.HasPrefix(strings.ToLower(name), "x-bunny-") {
			continue
		}
		out[name] = stringify(value)
	}
	return out
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(toInt64(t), 10)
	default:
		return ""
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}
