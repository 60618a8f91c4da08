// Package router implements C7: the fixed HTTP surface binding identity,
// parsing and the publisher/consumer endpoints, translating domain faults
// into status codes and enforcing shutdown-aware routing.
package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/bunnyproxy/internal/consumer"
	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
	"github.com/wudi/bunnyproxy/internal/publisher"
)

const maxBodyBytes = 16 << 20

// ShutdownState reports whether the process has entered graceful shutdown,
// consulted by the middleware described in spec.md §4.7.
type ShutdownState interface {
	PendingShutdown() bool
}

// SuccessStatus reports the HTTP status code a successful consume should
// use (205 by default, configurable to 200 per spec.md §9 open question).
type SuccessStatus func() int

// New builds the fixed route surface: GET /, GET /healthz, GET /metrics,
// POST /publish/:queue and GET /consume/:queue for every configured
// publisher and consumer.
func New(log *zap.Logger, state ShutdownState, metricsHandler http.Handler, consumeSuccessStatus SuccessStatus, publishers map[string]*publisher.Publisher, consumers map[string]*consumer.Consumer) http.Handler {
	r := httprouter.New()
	r.HandleMethodNotAllowed = false

	r.GET("/", liveness)
	r.GET("/healthz", liveness)
	r.GET("/metrics", wrapStd(metricsHandler))

	for queue, pub := range publishers {
		r.POST("/publish/"+queue, publishHandler(log, pub))
	}
	for queue, con := range consumers {
		r.GET("/consume/"+queue, consumeHandler(log, con, consumeSuccessStatus))
	}

	return shutdownMiddleware(state, r)
}

func wrapStd(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	}
}

func liveness(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// shutdownMiddleware answers 503 to every route except GET / and GET
// /metrics once pendingShutdown is set (spec.md §4.7).
func shutdownMiddleware(state ShutdownState, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state.PendingShutdown() && r.URL.Path != "/" && r.URL.Path != "/metrics" {
			bunnyerr.ErrShuttingDown.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func publishHandler(log *zap.Logger, pub *publisher.Publisher) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if fault := pub.Guard().Check(r); fault != nil {
			fault.WriteJSON(w)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			bunnyerr.ErrInvalidPayload.WithDetails("failed to read request body").WriteJSON(w)
			return
		}

		contentType := r.Header.Get("Content-Type")
		result, fault := pub.SendMessage(r.Context(), r.Header, contentType, body)
		if fault != nil {
			if fault.Kind == bunnyerr.Internal {
				stamped := *fault
				stamped.CorrelationID = uuid.NewString()
				fault = &stamped
				log.Error("publish failed", zap.String("queue", pub.Queue()), zap.String("correlationId", fault.CorrelationID), zap.Error(fault))
			}
			fault.WriteJSON(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]interface{}{
			"contentLengthBytes": result.ContentLengthBytes,
			"confirmed":          result.Confirmed,
		})
	}
}

func consumeHandler(log *zap.Logger, con *consumer.Consumer, successStatus SuccessStatus) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if fault := con.Guard().Check(r); fault != nil {
			fault.WriteJSON(w)
			return
		}

		msg, fault := con.ConsumeOne()
		if fault != nil {
			fault.WriteJSON(w)
			return
		}

		for name, value := range msg.Headers {
			w.Header().Set(name, value)
		}
		w.Header().Set(consumer.MessageCountHeaderName(), itoa(int(msg.MessageCount)))
		w.Header().Set("Content-Type", msg.ContentType)
		w.WriteHeader(successStatus())
		if _, err := w.Write(msg.Body); err != nil {
			log.Warn("consume: failed to write response body", zap.String("queue", con.Queue()), zap.Error(err))
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	json.NewEncoder(w).Encode(v)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
