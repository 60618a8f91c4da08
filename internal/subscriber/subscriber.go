// Package subscriber implements C5: a continuous, prefetch-bounded push of
// deliveries from one queue to one HTTP target, with per-delivery retry,
// backoff and cooperative/abortive shutdown.
package subscriber

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wudi/bunnyproxy/internal/metrics"
	"github.com/wudi/bunnyproxy/internal/parser"
)

const (
	headerRedelivered = "X-Bunny-Redelivered"
	headerCorrelation = "X-Bunny-CorrelationID"
)

// Channel is the subset of the shared regular channel a subscriber needs.
// Consume, Cancel, Ack, Nack and Qos are never issued concurrently with a
// publish or basic.get from this package's perspective, so no guard is
// required here (spec.md §5).
type Channel interface {
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool) (<-chan amqp091.Delivery, error)
	Cancel(consumerTag string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// Config is the subset of config.SubscriberConfig a Subscriber needs,
// decoupling this package from the config package's YAML concerns.
type Config struct {
	Name       string
	Queue      string
	Target     string
	Prefetch   int
	Timeout    time.Duration
	Strategy   Strategy
	Retries    int
	RetryDelay time.Duration
}

// Subscriber owns one queue's push-to-target path (spec.md §4.5).
type Subscriber struct {
	cfg     Config
	parser  parser.Parser
	metrics metrics.Sink
	log     *zap.Logger
	channel Channel

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	sem        *semaphore.Weighted

	consumerTag string
	running     atomic.Bool
	hardStop    atomic.Bool
	inFlight    atomic.Int64

	mu     sync.Mutex
	active map[uint64]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Subscriber. It does not start pulling until Start is
// called.
func New(cfg Config, p parser.Parser, m metrics.Sink, log *zap.Logger, channel Channel) *Subscriber {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "subscriber:" + cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Subscriber{
		cfg:        cfg,
		parser:     p,
		metrics:    m,
		log:        log,
		channel:    channel,
		httpClient: &http.Client{},
		breaker:    breaker,
		sem:        semaphore.NewWeighted(int64(cfg.Prefetch)),
		active:     make(map[uint64]context.CancelFunc),
	}
}

// Name returns the subscriber's configured name.
func (s *Subscriber) Name() string { return s.cfg.Name }

// Queue returns the queue this subscriber pulls from.
func (s *Subscriber) Queue() string { return s.cfg.Queue }

// InFlight reports the number of push HTTP requests currently outstanding.
// Polled by the lifecycle coordinator during graceful drain.
func (s *Subscriber) InFlight() int64 { return s.inFlight.Load() }

// Start sets channel prefetch, registers a manual-ack consumer, and begins
// pulling deliveries (spec.md §4.5 start()).
func (s *Subscriber) Start() error {
	if err := s.channel.Qos(s.cfg.Prefetch); err != nil {
		return fmt.Errorf("subscriber %s: set qos: %w", s.cfg.Name, err)
	}

	tag := "bunnyproxy-" + s.cfg.Name
	deliveries, err := s.channel.Consume(s.cfg.Queue, tag, false, false, false, false)
	if err != nil {
		return fmt.Errorf("subscriber %s: consume: %w", s.cfg.Name, err)
	}

	s.consumerTag = tag
	s.running.Store(true)
	s.wg.Add(1)
	go s.pullLoop(deliveries)
	return nil
}

// Stop cancels the AMQP consumer. hard=false lets in-flight pushes finish
// naturally; hard=true cancels them and guarantees a nack-requeue for any
// tag still held (spec.md §4.5 stop()).
func (s *Subscriber) Stop(hard bool) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if err := s.channel.Cancel(s.consumerTag, false); err != nil {
		s.log.Warn("subscriber: cancel consumer failed", zap.String("subscriber", s.cfg.Name), zap.Error(err))
	}
	if hard {
		s.hardStop.Store(true)
		s.cancelActive()
	}
}

// Wait blocks until the pull loop and every in-flight delivery goroutine it
// spawned have returned.
func (s *Subscriber) Wait() {
	s.wg.Wait()
}

func (s *Subscriber) cancelActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.active {
		cancel()
	}
}

func (s *Subscriber) registerActive(tag uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[tag] = cancel
	s.mu.Unlock()
}

func (s *Subscriber) unregisterActive(tag uint64) {
	s.mu.Lock()
	delete(s.active, tag)
	s.mu.Unlock()
}

func (s *Subscriber) pullLoop(deliveries <-chan amqp091.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleDelivery(d)
	}
}

func (s *Subscriber) handleDelivery(d amqp091.Delivery) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.registerActive(d.DeliveryTag, cancel)
	defer s.unregisterActive(d.DeliveryTag)

	s.inFlight.Add(1)
	s.metrics.SetPushRequestsInFlight(s.cfg.Name, s.inFlight.Load())
	defer func() {
		s.inFlight.Add(-1)
		s.metrics.SetPushRequestsInFlight(s.cfg.Name, s.inFlight.Load())
	}()

	contentType, body := s.parser.RenderOutbound(d.Body)

	attempt := 1
	for {
		if s.post(ctx, contentType, body, d.Headers, d.CorrelationId, d.Redelivered) {
			s.ack(d.DeliveryTag)
			s.metrics.SubscriberPush(s.cfg.Name, "success")
			return
		}

		if s.hardStop.Load() || attempt > s.cfg.Retries {
			s.nackRequeue(d.DeliveryTag)
			s.metrics.SubscriberPush(s.cfg.Name, "failure")
			return
		}

		s.metrics.SubscriberRetry(s.cfg.Name)
		select {
		case <-time.After(Delay(s.cfg.Strategy, s.cfg.RetryDelay, attempt)):
		case <-ctx.Done():
			s.nackRequeue(d.DeliveryTag)
			s.metrics.SubscriberPush(s.cfg.Name, "failure")
			return
		}
		attempt++
	}
}

func (s *Subscriber) ack(tag uint64) {
	if err := s.channel.Ack(tag, false); err != nil {
		s.log.Warn("subscriber: ack failed", zap.String("subscriber", s.cfg.Name), zap.Uint64("deliveryTag", tag), zap.Error(err))
	}
}

func (s *Subscriber) nackRequeue(tag uint64) {
	if err := s.channel.Nack(tag, false, true); err != nil {
		s.log.Warn("subscriber: nack failed", zap.String("subscriber", s.cfg.Name), zap.Uint64("deliveryTag", tag), zap.Error(err))
	}
}

// post issues one outbound POST through the circuit breaker, returning true
// on a 2xx response. A tripped breaker is treated as an ordinary failure: it
// consumes one of the delivery's retries+1 attempts, never bypassing the
// ack/requeue contract (spec.md §4.5 step 2).
func (s *Subscriber) post(ctx context.Context, contentType string, body []byte, headers amqp091.Table, correlationID string, redelivered bool) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.Target, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", contentType)
	for name, value := range passthroughHeaders(headers) {
		req.Header.Set(name, value)
	}
	if correlationID != "" {
		req.Header.Set(headerCorrelation, correlationID)
	}
	req.Header.Set(headerRedelivered, strconv.FormatBool(redelivered))

	_, err = s.breaker.Execute(func() (*http.Response, error) {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("subscriber: target responded %d", resp.StatusCode)
		}
		return resp, nil
	})
	return err == nil
}

// passthroughHeaders converts AMQP header table values beginning X-Bunny-
// into an HTTP header map.
func passthroughHeaders(table amqp091.Table) map[string]string {
	out := map[string]string{}
	for name, value := range table {
		if !strings.HasPrefix(strings.ToLower(name), "x-bunny-") {
			continue
		}
		if s, ok := value.(string); ok {
			out[name] = s
		}
	}
	return out
}
