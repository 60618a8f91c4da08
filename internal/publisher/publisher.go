// Package publisher implements C3: a queue's outbound publish path on
// either a confirm or non-confirm AMQP channel.
package publisher

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
	"github.com/wudi/bunnyproxy/internal/identity"
	"github.com/wudi/bunnyproxy/internal/metrics"
	"github.com/wudi/bunnyproxy/internal/parser"
)

const (
	headerPrefix      = "X-Bunny-"
	headerCorrelation = "X-Bunny-CorrelationID"
)

// RegularChannel is the subset of the shared regular channel a non-confirm
// publisher needs.
type RegularChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	QueueDeclarePassive(name string) error
}

// ConfirmChannel is the subset of the confirm channel a confirm-publisher
// needs. Only confirm-publishers ever touch this channel, so it needs no
// serialization guard of its own.
type ConfirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
	QueueDeclarePassive(name string) error
}

// Result is returned to the HTTP handler on a successful publish.
type Result struct {
	ContentLengthBytes int
	Confirmed          bool
}

// Publisher owns one queue's outbound path (spec.md §4.3).
type Publisher struct {
	queue   string
	confirm bool
	parser  parser.Parser
	guard   *identity.Guard
	metrics metrics.Sink

	regular   RegularChannel
	confirmCh ConfirmChannel

	inFlight atomic.Int64
}

// New constructs a Publisher and passively asserts its queue. Queue
// assertion failure is fatal during startup (spec.md §4.3).
func New(queue string, confirm bool, p parser.Parser, guard *identity.Guard, m metrics.Sink, regular RegularChannel, confirmCh ConfirmChannel) (*Publisher, error) {
	pub := &Publisher{
		queue:     queue,
		confirm:   confirm,
		parser:    p,
		guard:     guard,
		metrics:   m,
		regular:   regular,
		confirmCh: confirmCh,
	}

	var err error
	if confirm {
		err = confirmCh.QueueDeclarePassive(queue)
	} else {
		err = regular.QueueDeclarePassive(queue)
	}
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Queue returns the name of the queue this publisher owns.
func (p *Publisher) Queue() string { return p.queue }

// Guard returns the identity guard protecting this publisher's route.
func (p *Publisher) Guard() *identity.Guard { return p.guard }

// InFlight reports the number of publishes currently awaiting confirm or
// completion. Read-only view for the lifecycle coordinator.
func (p *Publisher) InFlight() int64 {
	return p.inFlight.Load()
}

// SendMessage parses body through C1, builds AMQP properties from the
// request headers, and publishes on the confirm or regular channel
// according to configuration (spec.md §4.3).
func (p *Publisher) SendMessage(ctx context.Context, header http.Header, contentType string, body []byte) (Result, *bunnyerr.Fault) {
	payload, fault := p.parser.ParseInbound(contentType, body)
	if fault != nil {
		p.metrics.PublishResult(p.queue, p.confirm, "parse_error")
		return Result{}, fault
	}

	props := amqp091.Publishing{
		ContentType: contentType,
		Body:        payload.Body,
		Headers:     passthroughHeaders(header),
	}
	if cid := header.Get(headerCorrelation); cid != "" {
		props.CorrelationId = cid
	} else {
		props.CorrelationId = uuid.NewString()
	}

	p.inFlight.Add(1)
	p.metrics.SetMessagesInFlight(p.queue, p.inFlight.Load())
	defer func() {
		p.inFlight.Add(-1)
		p.metrics.SetMessagesInFlight(p.queue, p.inFlight.Load())
	}()

	if p.confirm {
		return p.publishConfirm(ctx, props, len(payload.Body))
	}
	return p.publishFireAndForget(ctx, props, len(payload.Body))
}

func (p *Publisher) publishConfirm(ctx context.Context, props amqp091.Publishing, length int) (Result, *bunnyerr.Fault) {
	dc, err := p.confirmCh.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, props)
	if err != nil {
		p.metrics.PublishResult(p.queue, true, "error")
		return Result{}, bunnyerr.Wrap(bunnyerr.ErrBrokerRejected, err)
	}

	if !dc.Wait() {
		p.metrics.PublishResult(p.queue, true, "nack")
		return Result{}, bunnyerr.ErrBrokerRejected.WithDetails("broker nacked publish")
	}

	p.metrics.PublishResult(p.queue, true, "ok")
	return Result{ContentLengthBytes: length, Confirmed: true}, nil
}

func (p *Publisher) publishFireAndForget(ctx context.Context, props amqp091.Publishing, length int) (Result, *bunnyerr.Fault) {
	if err := p.regular.PublishWithContext(ctx, "", p.queue, false, false, props); err != nil {
		p.metrics.PublishResult(p.queue, false, "error")
		return Result{}, bunnyerr.Wrap(bunnyerr.ErrBrokerRejected, err)
	}
	p.metrics.PublishResult(p.queue, false, "ok")
	return Result{ContentLengthBytes: length, Confirmed: false}, nil
}

// passthroughHeaders copies headers beginning X-Bunny- (excluding identity
// and token, which are stripped to prevent credential leakage into AMQP
// headers, per spec.md §9, and the correlation id, which travels in the
// CorrelationId property instead) into an AMQP header table, lower-cased.
func passthroughHeaders(header http.Header) amqp091.Table {
	table := amqp091.Table{}
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		if !strings.HasPrefix(name, headerPrefix) {
			continue
		}
		lower := strings.ToLower(name)
		if lower == strings.ToLower(identity.HeaderIdentity) ||
			lower == strings.ToLower(identity.HeaderToken) ||
			lower == strings.ToLower(headerCorrelation) {
			continue
		}
		table[lower] = values[0]
	}
	return table
}
