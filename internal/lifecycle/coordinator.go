// Package lifecycle implements C6: the write-once shutdown flags, graceful
// drain sequence, and unexpected-close handling that tie the AMQP
// connection, the subscribers and the HTTP server together.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	drainPollAttempts = 5
	drainPollInterval = time.Second
)

// Subscriber is the subset of subscriber.Subscriber the coordinator drives
// during shutdown.
type Subscriber interface {
	Stop(hard bool)
	InFlight() int64
}

// Pane is the subset of amqpconn.Pane the coordinator tears down and
// watches for unexpected closes.
type Pane interface {
	NotifyClose() <-chan *amqp091.Error
	Close() error
}

// Coordinator owns the pendingShutdown/errorShutdown flags and the drain
// sequence described in spec.md §4.6. Both flags are write-once.
type Coordinator struct {
	log         *zap.Logger
	pane        Pane
	subscribers []Subscriber

	pendingShutdown atomic.Bool
	errorShutdown   atomic.Bool

	serverClose func(context.Context) error
}

// New constructs a Coordinator. serverClose is invoked once, at the end of
// the drain sequence, to close the HTTP server(s).
func New(log *zap.Logger, pane Pane, subscribers []Subscriber, serverClose func(context.Context) error) *Coordinator {
	return &Coordinator{log: log, pane: pane, subscribers: subscribers, serverClose: serverClose}
}

// PendingShutdown reports whether graceful shutdown has begun. Router
// middleware consults this to answer 503 to new requests.
func (c *Coordinator) PendingShutdown() bool { return c.pendingShutdown.Load() }

// ErrorShutdown reports whether shutdown was triggered by an unexpected
// AMQP close rather than a clean signal.
func (c *Coordinator) ErrorShutdown() bool { return c.errorShutdown.Load() }

// WatchPane selects on the pane's close-notify channel and triggers error
// shutdown the moment the connection or either channel closes
// unexpectedly. Run this in its own goroutine; it returns when the pane
// closes or ctx is cancelled.
func (c *Coordinator) WatchPane(ctx context.Context) {
	select {
	case err, ok := <-c.pane.NotifyClose():
		if !ok {
			return
		}
		if c.pendingShutdown.Load() {
			// Expected: Shutdown() itself closed the pane.
			return
		}
		c.log.Error("amqp connection or channel closed unexpectedly", zap.Error(err))
		c.ErrorShutdownNow(context.Background())
	case <-ctx.Done():
	}
}

// Shutdown runs the graceful drain sequence (spec.md §4.6 steps 1-6). It is
// a no-op on the second and later calls.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !c.pendingShutdown.CompareAndSwap(false, true) {
		return
	}
	c.drain(ctx, false)
}

// ErrorShutdownNow runs the unexpected-close path: sets both flags, stops
// subscribers abortively, and closes everything without waiting for
// in-flight pushes. It is a no-op on the second and later calls.
func (c *Coordinator) ErrorShutdownNow(ctx context.Context) {
	if !c.errorShutdown.CompareAndSwap(false, true) {
		return
	}
	c.pendingShutdown.Store(true)
	c.drain(ctx, true)
}

func (c *Coordinator) drain(ctx context.Context, hard bool) {
	for _, s := range c.subscribers {
		s.Stop(hard)
	}

	if !hard {
		if err := c.pollInFlight(ctx); err != nil {
			c.log.Warn("graceful shutdown: subscriber push drain budget exhausted", zap.Error(err))
		}
	}

	if err := c.pane.Close(); err != nil {
		c.log.Warn("shutdown: closing amqp connection", zap.Error(err))
	}
	if c.serverClose != nil {
		if err := c.serverClose(ctx); err != nil {
			c.log.Warn("shutdown: closing http server", zap.Error(err))
		}
	}
}

// pollInFlight polls Σ inFlightPushRequests up to drainPollAttempts times,
// sleeping drainPollInterval between attempts, per spec.md §4.6 step 4-5.
func (c *Coordinator) pollInFlight(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(drainPollInterval), drainPollAttempts-1), ctx)
	return backoff.Retry(func() error {
		if c.sumInFlight() == 0 {
			return nil
		}
		return errStillDraining
	}, policy)
}

func (c *Coordinator) sumInFlight() int64 {
	var total int64
	for _, s := range c.subscribers {
		total += s.InFlight()
	}
	return total
}

var errStillDraining = drainError{}

type drainError struct{}

func (drainError) Error() string { return "subscribers still have in-flight push requests" }
