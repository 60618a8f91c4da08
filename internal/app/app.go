// Package app wires the message-flow runtime together: it builds every
// publisher, consumer and subscriber from configuration and hands each of
// them the logger and metrics sink it needs instead of a back-pointer to the
// app itself (spec.md §9 design notes).
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/bunnyproxy/config"
	"github.com/wudi/bunnyproxy/internal/amqpconn"
	"github.com/wudi/bunnyproxy/internal/consumer"
	"github.com/wudi/bunnyproxy/internal/identity"
	"github.com/wudi/bunnyproxy/internal/lifecycle"
	"github.com/wudi/bunnyproxy/internal/metrics"
	"github.com/wudi/bunnyproxy/internal/parser"
	"github.com/wudi/bunnyproxy/internal/publisher"
	"github.com/wudi/bunnyproxy/internal/router"
	"github.com/wudi/bunnyproxy/internal/subscriber"
)

// Capabilities is the small, non-owning struct whose fields App passes to
// every component instead of a pointer back to App, avoiding the
// app/component reference cycle called out in spec.md §9.
type Capabilities struct {
	Log     *zap.Logger
	Metrics metrics.Sink
}

// App is the assembled message-flow runtime: every publisher, consumer and
// subscriber built from configuration, plus the shared AMQP pane and the
// lifecycle coordinator that drains them on shutdown.
type App struct {
	cfg  *config.Config
	caps Capabilities
	pane *amqpconn.Pane

	publishers map[string]*publisher.Publisher
	consumers  map[string]*consumer.Consumer
	subs       []*subscriber.Subscriber

	Coordinator *lifecycle.Coordinator
	registry    *prometheus.Registry
}

// New assembles the App: it dials the broker, passively asserts every
// publisher and consumer queue, and builds each component. Subscriber
// queues are not asserted here; StartSubscribers fails on a missing one. Any failure here is fatal
// at startup, per spec.md §4.3 and §6.
func New(cfg *config.Config, brokerURL string, log *zap.Logger) (*App, error) {
	pane, err := amqpconn.New(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("app: connect to broker: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	a := &App{
		cfg:        cfg,
		caps:       Capabilities{Log: log, Metrics: collector},
		pane:       pane,
		publishers: make(map[string]*publisher.Publisher),
		consumers:  make(map[string]*consumer.Consumer),
		registry:   registry,
	}

	registryTokens := identity.NewRegistry(tokensByName(cfg.Identities))

	if err := a.buildPublishers(registryTokens); err != nil {
		pane.Close()
		return nil, err
	}
	if err := a.buildConsumers(registryTokens); err != nil {
		pane.Close()
		return nil, err
	}
	a.buildSubscribers()

	return a, nil
}

func tokensByName(ids []config.Identity) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id.Name] = id.Token
	}
	return out
}

func (a *App) buildPublishers(registry *identity.Registry) error {
	for _, pc := range a.cfg.Publishers {
		p, err := buildParser(pc.ContentType, pc.Schema, pc.SchemaFile)
		if err != nil {
			return fmt.Errorf("app: publisher %s: %w", pc.Queue, err)
		}
		guard := identity.NewGuard(registry, pc.Identities)

		var pub *publisher.Publisher
		if pc.Confirm {
			pub, err = publisher.New(pc.Queue, true, p, guard, a.caps.Metrics, nil, a.pane.Confirm())
		} else {
			pub, err = publisher.New(pc.Queue, false, p, guard, a.caps.Metrics, a.pane.Regular(), nil)
		}
		if err != nil {
			return fmt.Errorf("app: publisher %s: assert queue: %w", pc.Queue, err)
		}
		a.publishers[pc.Queue] = pub
	}
	return nil
}

func (a *App) buildConsumers(registry *identity.Registry) error {
	for _, cc := range a.cfg.Consumers {
		guard := identity.NewGuard(registry, cc.Identities)
		con, err := consumer.New(cc.Queue, guard, a.caps.Metrics, a.caps.Log, a.pane.Regular())
		if err != nil {
			return fmt.Errorf("app: consumer %s: assert queue: %w", cc.Queue, err)
		}
		a.consumers[cc.Queue] = con
	}
	return nil
}

func (a *App) buildSubscribers() {
	for _, sc := range a.cfg.Subscribers {
		cfg := subscriber.Config{
			Name:       sc.Name,
			Queue:      sc.Queue,
			Target:     sc.Target,
			Prefetch:   sc.Prefetch,
			Timeout:    sc.Timeout(),
			Strategy:   subscriber.Strategy(sc.BackoffStrategy),
			Retries:    sc.Retries,
			RetryDelay: sc.RetryDelay(),
		}
		p := parser.NewBinary()
		if sc.ContentType == config.JSON {
			p, _ = parser.NewJSON(nil)
		}
		sub := subscriber.New(cfg, p, a.caps.Metrics, a.caps.Log, a.pane.Regular())
		a.subs = append(a.subs, sub)
	}
}

func buildParser(ct config.ContentType, schema, schemaFile string) (parser.Parser, error) {
	if ct == config.Binary {
		return parser.NewBinary(), nil
	}
	if schemaFile != "" {
		return parser.NewJSONFromFile(schemaFile)
	}
	return parser.NewJSON([]byte(schema))
}

// StartSubscribers registers every subscriber's AMQP consumer and begins
// its pull loop. Any failure is fatal at startup.
func (a *App) StartSubscribers() error {
	for _, sub := range a.subs {
		if err := sub.Start(); err != nil {
			return fmt.Errorf("app: start subscriber %s: %w", sub.Name(), err)
		}
	}
	return nil
}

// Router builds the HTTP handler for the full fixed surface.
func (a *App) Router(successStatus func() int) http.Handler {
	return router.New(a.caps.Log, a.Coordinator, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}), successStatus, a.publishers, a.consumers)
}

// BuildCoordinator wires the lifecycle coordinator against this app's pane
// and subscribers, along with the caller's HTTP server close function.
func (a *App) BuildCoordinator(serverClose func(context.Context) error) *lifecycle.Coordinator {
	subs := make([]lifecycle.Subscriber, len(a.subs))
	for i, s := range a.subs {
		subs[i] = s
	}
	a.Coordinator = lifecycle.New(a.caps.Log, a.pane, subs, serverClose)
	return a.Coordinator
}

// Pane exposes the AMQP connection pane for the lifecycle coordinator's
// unexpected-close watcher.
func (a *App) Pane() *amqpconn.Pane { return a.pane }
