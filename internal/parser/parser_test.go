package parser

import (
	"testing"

	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
)

func TestBinaryParserPassthrough(t *testing.T) {
	p := NewBinary()
	payload, fault := p.ParseInbound("application/octet-stream", []byte("binarystuff"))
	if fault != nil {
		t.Fatalf("ParseInbound() fault = %v", fault)
	}
	if string(payload.Body) != "binarystuff" {
		t.Errorf("Body = %q", payload.Body)
	}

	ct, out := p.RenderOutbound(payload.Body)
	if ct != "application/octet-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if string(out) != "binarystuff" {
		t.Errorf("RenderOutbound body = %q", out)
	}
}

func TestBinaryParserRejectsWrongContentType(t *testing.T) {
	p := NewBinary()
	_, fault := p.ParseInbound("application/json", []byte("{}"))
	if fault == nil {
		t.Fatal("expected fault for wrong content-type")
	}
	if fault.Kind != bunnyerr.UnsupportedContentType {
		t.Errorf("Kind = %v, want %v", fault.Kind, bunnyerr.UnsupportedContentType)
	}
}

func TestJSONParserRoundTrip(t *testing.T) {
	p, err := NewJSON(nil)
	if err != nil {
		t.Fatalf("NewJSON() error = %v", err)
	}
	payload, fault := p.ParseInbound("application/json", []byte(`{"ok":true}`))
	if fault != nil {
		t.Fatalf("ParseInbound() fault = %v", fault)
	}
	if len(payload.Body) != 11 {
		t.Errorf("canonical length = %d, want 11", len(payload.Body))
	}

	ct, out := p.RenderOutbound(payload.Body)
	if ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("RenderOutbound = %q", out)
	}
}

func TestJSONParserAcceptsContentTypeWithCharset(t *testing.T) {
	p, _ := NewJSON(nil)
	_, fault := p.ParseInbound("application/json; charset=utf-8", []byte(`{"ok":true}`))
	if fault != nil {
		t.Fatalf("ParseInbound() fault = %v, want nil", fault)
	}
}

func TestJSONParserRejectsWrongContentType(t *testing.T) {
	p, _ := NewJSON(nil)
	_, fault := p.ParseInbound("application/octet-stream", []byte("binarystuff"))
	if fault == nil || fault.Kind != bunnyerr.UnsupportedContentType {
		t.Fatalf("fault = %v, want UNSUPPORTED_CONTENT_TYPE", fault)
	}
}

func TestJSONParserRejectsMalformedJSON(t *testing.T) {
	p, _ := NewJSON(nil)
	_, fault := p.ParseInbound("application/json", []byte(`{ouch, this doesn't look like json`))
	if fault == nil || fault.Kind != bunnyerr.InvalidPayload {
		t.Fatalf("fault = %v, want INVALID_PAYLOAD", fault)
	}
}

func TestJSONParserSchemaValidation(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	p, err := NewJSON(schema)
	if err != nil {
		t.Fatalf("NewJSON() error = %v", err)
	}

	if _, fault := p.ParseInbound("application/json", []byte(`{"name":"alice"}`)); fault != nil {
		t.Fatalf("valid payload rejected: %v", fault)
	}

	_, fault := p.ParseInbound("application/json", []byte(`{"age":5}`))
	if fault == nil || fault.Kind != bunnyerr.InvalidPayload {
		t.Fatalf("fault = %v, want INVALID_PAYLOAD for schema mismatch", fault)
	}
}

func TestJSONStructuralEquality(t *testing.T) {
	// Different byte layout, same structural value: spaces, key order.
	// Canonical re-encoding drops whitespace and sorts object keys.
	p, _ := NewJSON(nil)
	payload, fault := p.ParseInbound("application/json", []byte(`{ "ok" : true ,"n":1 }`))
	if fault != nil {
		t.Fatalf("ParseInbound() fault = %v", fault)
	}
	_, out := p.RenderOutbound(payload.Body)
	if string(out) != `{"n":1,"ok":true}` {
		t.Errorf("canonical output = %q", out)
	}
}
