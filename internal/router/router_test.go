package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wudi/bunnyproxy/internal/consumer"
	"github.com/wudi/bunnyproxy/internal/identity"
	"github.com/wudi/bunnyproxy/internal/metrics"
	"github.com/wudi/bunnyproxy/internal/parser"
	"github.com/wudi/bunnyproxy/internal/publisher"
)

type fakeRegular struct{}

func (fakeRegular) PublishWithContext(context.Context, string, string, bool, bool, amqp091.Publishing) error {
	return nil
}
func (fakeRegular) QueueDeclarePassive(string) error { return nil }

type fakeConsumeChannel struct {
	delivery amqp091.Delivery
	ok       bool
}

func (f fakeConsumeChannel) Get(string, bool) (amqp091.Delivery, bool, error) {
	return f.delivery, f.ok, nil
}
func (fakeConsumeChannel) QueueDeclarePassive(string) error { return nil }
func (fakeConsumeChannel) Ack(uint64, bool) error           { return nil }

type alwaysOpen struct{}

func (alwaysOpen) PendingShutdown() bool { return false }

type alwaysShuttingDown struct{}

func (alwaysShuttingDown) PendingShutdown() bool { return true }

func buildPublisher(t *testing.T) *publisher.Publisher {
	t.Helper()
	p, err := publisher.New("jsonq", false, mustJSON(t), identity.NewGuard(identity.NewRegistry(nil), nil), metrics.Noop{}, fakeRegular{}, nil)
	if err != nil {
		t.Fatalf("publisher.New() error = %v", err)
	}
	return p
}

func buildConsumer(t *testing.T) *consumer.Consumer {
	t.Helper()
	ch := fakeConsumeChannel{ok: true, delivery: amqp091.Delivery{Body: []byte("hi"), ContentType: "application/octet-stream", MessageCount: 0}}
	c, err := consumer.New("jsonq", identity.NewGuard(identity.NewRegistry(nil), nil), metrics.Noop{}, zap.NewNop(), ch)
	if err != nil {
		t.Fatalf("consumer.New() error = %v", err)
	}
	return c
}

func mustJSON(t *testing.T) parser.Parser {
	t.Helper()
	p, err := parser.NewJSON(nil)
	if err != nil {
		t.Fatalf("parser.NewJSON() error = %v", err)
	}
	return p
}

func successStatus205() int { return http.StatusResetContent }

func TestLivenessRoute(t *testing.T) {
	h := New(zap.NewNop(), alwaysOpen{}, http.NotFoundHandler(), successStatus205, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestPublishRouteSuccess(t *testing.T) {
	pubs := map[string]*publisher.Publisher{"jsonq": buildPublisher(t)}
	h := New(zap.NewNop(), alwaysOpen{}, http.NotFoundHandler(), successStatus205, pubs, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/publish/jsonq", strings.NewReader(`{"ok":true}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s, want 201", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"contentLengthBytes":11`) {
		t.Errorf("body = %s, want contentLengthBytes:11", rec.Body.String())
	}
}

func TestPublishRouteWrongContentType(t *testing.T) {
	pubs := map[string]*publisher.Publisher{"jsonq": buildPublisher(t)}
	h := New(zap.NewNop(), alwaysOpen{}, http.NotFoundHandler(), successStatus205, pubs, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/publish/jsonq", strings.NewReader("binarystuff"))
	req.Header.Set("Content-Type", "application/octet-stream")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestConsumeRouteSuccess(t *testing.T) {
	cons := map[string]*consumer.Consumer{"jsonq": buildConsumer(t)}
	h := New(zap.NewNop(), alwaysOpen{}, http.NotFoundHandler(), successStatus205, nil, cons)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/consume/jsonq", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusResetContent {
		t.Fatalf("status = %d, want 205", rec.Code)
	}
	if rec.Body.String() != "hi" {
		t.Errorf("body = %q, want hi", rec.Body.String())
	}
}

func TestShuttingDownReturns503ExceptLivenessAndMetrics(t *testing.T) {
	pubs := map[string]*publisher.Publisher{"jsonq": buildPublisher(t)}
	h := New(zap.NewNop(), alwaysShuttingDown{}, http.NotFoundHandler(), successStatus205, pubs, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/publish/jsonq", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec2.Code != http.StatusOK {
		t.Errorf("liveness during shutdown status = %d, want 200", rec2.Code)
	}

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec3.Code == http.StatusServiceUnavailable {
		t.Errorf("metrics during shutdown status = %d, want the metrics handler to answer", rec3.Code)
	}
}
