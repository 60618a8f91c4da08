// Package amqpconn implements C8: the single AMQP connection, its regular
// and confirm channels, and the fan-in of their close events for the
// lifecycle coordinator.
package amqpconn

import (
	"context"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Pane owns one AMQP connection and its two channels. It never re-opens:
// loss of either is fatal to the process (spec.md §4.8).
type Pane struct {
	conn    *amqp091.Connection
	regular *GuardedChannel
	confirm *ConfirmChannel

	closed chan *amqp091.Error
}

// New dials url, opens a regular (non-confirm) channel and a confirm
// channel, and fans connection/channel close notifications into one
// channel for the lifecycle coordinator.
func New(url string) (*Pane, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpconn: dial: %w", err)
	}

	regular, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpconn: open regular channel: %w", err)
	}

	confirm, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpconn: open confirm channel: %w", err)
	}
	if err := confirm.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqpconn: enable publisher confirms: %w", err)
	}

	p := &Pane{
		conn:    conn,
		regular: &GuardedChannel{ch: regular},
		confirm: &ConfirmChannel{ch: confirm},
		closed:  make(chan *amqp091.Error, 3),
	}
	p.wireCloseNotify()
	return p, nil
}

func (p *Pane) wireCloseNotify() {
	connClose := p.conn.NotifyClose(make(chan *amqp091.Error, 1))
	regularClose := p.regular.ch.NotifyClose(make(chan *amqp091.Error, 1))
	confirmClose := p.confirm.ch.NotifyClose(make(chan *amqp091.Error, 1))

	forward := func(ch chan *amqp091.Error) {
		if err, ok := <-ch; ok {
			p.closed <- err
		}
	}
	go forward(connClose)
	go forward(regularClose)
	go forward(confirmClose)
}

// NotifyClose delivers the first unexpected close event from the
// connection or either channel. The lifecycle coordinator selects on this
// alongside the process shutdown signal.
func (p *Pane) NotifyClose() <-chan *amqp091.Error {
	return p.closed
}

// Regular returns the shared regular channel, serialized for publish and
// basic.get frame writes.
func (p *Pane) Regular() *GuardedChannel {
	return p.regular
}

// Confirm returns the confirm channel, used only by confirm-publishers.
func (p *Pane) Confirm() *ConfirmChannel {
	return p.confirm
}

// Close tears down both channels and the connection.
func (p *Pane) Close() error {
	p.regular.ch.Close()
	p.confirm.ch.Close()
	return p.conn.Close()
}

// GuardedChannel wraps the regular *amqp091.Channel with a mutex around the
// two operations the proxy itself issues concurrently on it: publishing and
// basic.get. AMQP channels are not inherently reentrant (spec.md §5).
type GuardedChannel struct {
	ch *amqp091.Channel
	mu sync.Mutex
}

func (g *GuardedChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (g *GuardedChannel) Get(queue string, autoAck bool) (amqp091.Delivery, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch.Get(queue, autoAck)
}

func (g *GuardedChannel) QueueDeclarePassive(name string) error {
	_, err := g.ch.QueueDeclarePassive(name, false, false, false, false, nil)
	return err
}

func (g *GuardedChannel) Ack(tag uint64, multiple bool) error {
	return g.ch.Ack(tag, multiple)
}

func (g *GuardedChannel) Nack(tag uint64, multiple, requeue bool) error {
	return g.ch.Nack(tag, multiple, requeue)
}

func (g *GuardedChannel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool) (<-chan amqp091.Delivery, error) {
	return g.ch.Consume(queue, consumerTag, autoAck, exclusive, noLocal, noWait, nil)
}

func (g *GuardedChannel) Cancel(consumerTag string, noWait bool) error {
	return g.ch.Cancel(consumerTag, noWait)
}

func (g *GuardedChannel) Qos(prefetchCount int) error {
	return g.ch.Qos(prefetchCount, 0, false)
}

// ConfirmChannel wraps the confirm *amqp091.Channel with the narrow surface
// confirm-publishers need. Only confirm-publishers ever touch this channel,
// so unlike GuardedChannel it needs no mutex of its own (spec.md §5).
type ConfirmChannel struct {
	ch *amqp091.Channel
}

func (c *ConfirmChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error) {
	return c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (c *ConfirmChannel) QueueDeclarePassive(name string) error {
	_, err := c.ch.QueueDeclarePassive(name, false, false, false, false, nil)
	return err
}
