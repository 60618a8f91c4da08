// Package errors defines the proxy's domain error taxonomy (spec.md §7) and
// how it renders to HTTP.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind names one of the fixed domain failure categories.
type Kind string

const (
	UnsupportedContentType Kind = "UNSUPPORTED_CONTENT_TYPE"
	InvalidPayload         Kind = "INVALID_PAYLOAD"
	Forbidden              Kind = "FORBIDDEN"
	UnknownQueue           Kind = "UNKNOWN_QUEUE"
	Empty                  Kind = "EMPTY"
	BrokerRejected         Kind = "BROKER_REJECTED"
	ShuttingDown           Kind = "SHUTTING_DOWN"
	Internal               Kind = "INTERNAL"
)

// Fault is an error that carries its own HTTP status code and can render
// itself as a JSON body.
type Fault struct {
	Kind          Kind   `json:"kind"`
	Code          int    `json:"-"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
	underlying    error
}

func (f *Fault) Error() string {
	if f.underlying != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.underlying)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.underlying
}

// WriteJSON writes the fault as a JSON body with its status code. Internal
// faults are stamped with a fresh correlation id first.
func (f *Fault) WriteJSON(w http.ResponseWriter) {
	out := f
	if f.Kind == Internal && f.CorrelationID == "" {
		clone := *f
		clone.CorrelationID = uuid.NewString()
		out = &clone
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.Code)
	json.NewEncoder(w).Encode(out)
}

// Common faults, one per Kind.
var (
	ErrUnsupportedContentType = &Fault{Kind: UnsupportedContentType, Code: http.StatusUnsupportedMediaType, Message: "unsupported content type"}
	ErrInvalidPayload         = &Fault{Kind: InvalidPayload, Code: http.StatusBadRequest, Message: "invalid payload"}
	ErrForbidden              = &Fault{Kind: Forbidden, Code: http.StatusForbidden, Message: "forbidden"}
	ErrUnknownQueue           = &Fault{Kind: UnknownQueue, Code: http.StatusNotFound, Message: "unknown queue"}
	ErrEmpty                  = &Fault{Kind: Empty, Code: http.StatusLocked, Message: "queue empty"}
	ErrBrokerRejected         = &Fault{Kind: BrokerRejected, Code: http.StatusBadGateway, Message: "broker rejected message"}
	ErrShuttingDown           = &Fault{Kind: ShuttingDown, Code: http.StatusServiceUnavailable, Message: "shutting down"}
	ErrInternal               = &Fault{Kind: Internal, Code: http.StatusInternalServerError, Message: "internal error"}
)

// New creates a Fault of the given kind with the given HTTP status code and
// message.
func New(kind Kind, code int, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Wrap attaches an underlying error to a copy of base, preserving its kind,
// code and message.
func Wrap(base *Fault, err error) *Fault {
	clone := *base
	clone.underlying = err
	return &clone
}

// WithDetails returns a copy of the fault with message replaced by details,
// grounded on the pattern of building one-off variants from a sentinel.
func (f *Fault) WithDetails(details string) *Fault {
	clone := *f
	clone.Message = details
	return &clone
}

// AsFault reports whether err is a *Fault.
func AsFault(err error) (*Fault, bool) {
	f, ok := err.(*Fault)
	return f, ok
}
