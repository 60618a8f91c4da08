// Package metrics exposes the proxy's counters and gauges as Prometheus
// collectors. Components never import prometheus/client_golang directly;
// they talk to the small Sink interface instead.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the metrics-reporting surface the message-flow runtime depends
// on. Collector is the Prometheus-backed implementation; Noop discards
// everything and is what tests use.
type Sink interface {
	PublishResult(queue string, confirmed bool, result string)
	ConsumeResult(queue string, result string)
	SubscriberPush(name string, result string)
	SubscriberRetry(name string)
	SetMessagesInFlight(queue string, n int64)
	SetPushRequestsInFlight(name string, n int64)
}

// Collector is the Sink backed by real Prometheus collectors.
type Collector struct {
	publishTotal     *prometheus.CounterVec
	consumeTotal     *prometheus.CounterVec
	pushTotal        *prometheus.CounterVec
	retryTotal       *prometheus.CounterVec
	messagesInFlight *prometheus.GaugeVec
	pushInFlight     *prometheus.GaugeVec
}

// NewCollector builds and registers a Collector against reg. Pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunny_publish_total",
			Help: "Publish attempts by queue, confirm mode and result.",
		}, []string{"queue", "confirmed", "result"}),
		consumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunny_consume_total",
			Help: "Consume attempts by queue and result.",
		}, []string{"queue", "result"}),
		pushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunny_subscriber_push_total",
			Help: "Subscriber push attempts by subscriber and result.",
		}, []string{"subscriber", "result"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunny_subscriber_retry_total",
			Help: "Subscriber push retries by subscriber.",
		}, []string{"subscriber"}),
		messagesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bunny_messages_in_flight",
			Help: "Publisher messages currently awaiting confirm or completion.",
		}, []string{"queue"}),
		pushInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bunny_push_requests_in_flight",
			Help: "Subscriber push HTTP requests currently outstanding.",
		}, []string{"subscriber"}),
	}

	reg.MustRegister(c.publishTotal, c.consumeTotal, c.pushTotal, c.retryTotal, c.messagesInFlight, c.pushInFlight)
	return c
}

func (c *Collector) PublishResult(queue string, confirmed bool, result string) {
	c.publishTotal.WithLabelValues(queue, boolLabel(confirmed), result).Inc()
}

func (c *Collector) ConsumeResult(queue string, result string) {
	c.consumeTotal.WithLabelValues(queue, result).Inc()
}

func (c *Collector) SubscriberPush(name string, result string) {
	c.pushTotal.WithLabelValues(name, result).Inc()
}

func (c *Collector) SubscriberRetry(name string) {
	c.retryTotal.WithLabelValues(name).Inc()
}

func (c *Collector) SetMessagesInFlight(queue string, n int64) {
	c.messagesInFlight.WithLabelValues(queue).Set(float64(n))
}

func (c *Collector) SetPushRequestsInFlight(name string, n int64) {
	c.pushInFlight.WithLabelValues(name).Set(float64(n))
}

// Noop is a Sink that discards everything, used by components under test
// that don't care about metrics.
type Noop struct{}

func (Noop) PublishResult(string, bool, string)    {}
func (Noop) ConsumeResult(string, string)          {}
func (Noop) SubscriberPush(string, string)         {}
func (Noop) SubscriberRetry(string)                {}
func (Noop) SetMessagesInFlight(string, int64)     {}
func (Noop) SetPushRequestsInFlight(string, int64) {}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
