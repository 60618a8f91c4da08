// Package parser implements C1: validating and shaping inbound HTTP bodies
// into broker payloads, and rendering broker payloads back out for the
// subscriber push path.
package parser

import (
	"bytes"
	"encoding/json"
	"mime"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"

	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
)

// Kind tags the two payload shapes the proxy understands.
type Kind string

const (
	Binary Kind = "binary"
	JSON   Kind = "json"
)

const (
	binaryContentType = "application/octet-stream"
	jsonContentType    = "application/json"
)

// mediaType extracts the bare media type from a Content-Type header,
// ignoring parameters like charset (e.g. "application/json; charset=utf-8"
// still matches "application/json"). Falls back to the raw string on parse
// failure so an empty or malformed header still misses the comparison.
func mediaType(contentType string) string {
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return t
}

// Payload is a parsed, validated request body ready to publish to the broker.
type Payload struct {
	Kind Kind
	Body []byte
}

// Parser validates inbound bodies and renders outbound ones. The two
// concrete implementations (Binary, JSON) share this single dispatch shape
// instead of being duck-typed, per spec.md §9.
type Parser interface {
	Kind() Kind
	ParseInbound(contentType string, body []byte) (Payload, *bunnyerr.Fault)
	RenderOutbound(body []byte) (contentType string, out []byte)
}

// binaryParser requires application/octet-stream and passes bytes through verbatim.
type binaryParser struct{}

// NewBinary returns the passthrough binary parser.
func NewBinary() Parser { return binaryParser{} }

func (binaryParser) Kind() Kind { return Binary }

func (binaryParser) ParseInbound(contentType string, body []byte) (Payload, *bunnyerr.Fault) {
	if mediaType(contentType) != binaryContentType {
		return Payload{}, bunnyerr.ErrUnsupportedContentType.WithDetails(
			"expected content-type " + binaryContentType)
	}
	return Payload{Kind: Binary, Body: body}, nil
}

func (binaryParser) RenderOutbound(body []byte) (string, []byte) {
	return binaryContentType, body
}

// jsonParser requires application/json, decodes, optionally validates
// against a JSON Schema, then re-serializes canonically.
type jsonParser struct {
	schema *jsonschema.Schema
}

// NewJSON returns a JSON parser. When schema is non-empty it is compiled
// once and every inbound payload is validated against it.
func NewJSON(schema []byte) (Parser, error) {
	if len(schema) == 0 {
		return &jsonParser{}, nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &jsonParser{schema: compiled}, nil
}

// NewJSONFromFile reads a JSON Schema document from disk and compiles it.
func NewJSONFromFile(path string) (Parser, error) {
	if path == "" {
		return &jsonParser{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewJSON(data)
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	var doc interface{}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func (*jsonParser) Kind() Kind { return JSON }

func (p *jsonParser) ParseInbound(contentType string, body []byte) (Payload, *bunnyerr.Fault) {
	if mediaType(contentType) != jsonContentType {
		return Payload{}, bunnyerr.ErrUnsupportedContentType.WithDetails(
			"expected content-type " + jsonContentType)
	}

	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return Payload{}, bunnyerr.Wrap(bunnyerr.ErrInvalidPayload, err)
	}

	if p.schema != nil {
		if err := p.schema.Validate(value); err != nil {
			return Payload{}, bunnyerr.Wrap(bunnyerr.ErrInvalidPayload, err)
		}
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return Payload{}, bunnyerr.Wrap(bunnyerr.ErrInvalidPayload, err)
	}

	return Payload{Kind: JSON, Body: canonical}, nil
}

func (*jsonParser) RenderOutbound(body []byte) (string, []byte) {
	return jsonContentType, body
}
