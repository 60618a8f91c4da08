package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestGuard(allowed []string) *Guard {
	reg := NewRegistry(map[string]string{
		"Bob":   "THISisBOBSsuperSECRETauthToken123",
		"Alice": "alicetoken",
	})
	return NewGuard(reg, allowed)
}

func TestOpenQueueAllowsAnyRequest(t *testing.T) {
	g := newTestGuard(nil)
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	if fault := g.Check(r); fault != nil {
		t.Fatalf("open queue rejected request: %v", fault)
	}
}

func TestRestrictedQueueRequiresHeaders(t *testing.T) {
	g := newTestGuard([]string{"Bob"})
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	if fault := g.Check(r); fault == nil {
		t.Fatal("expected FORBIDDEN for missing headers")
	}
}

func TestRestrictedQueueAcceptsValidIdentity(t *testing.T) {
	g := newTestGuard([]string{"Bob"})
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	r.Header.Set(HeaderIdentity, "Bob")
	r.Header.Set(HeaderToken, "THISisBOBSsuperSECRETauthToken123")
	if fault := g.Check(r); fault != nil {
		t.Fatalf("valid identity rejected: %v", fault)
	}
}

func TestRestrictedQueueRejectsWrongToken(t *testing.T) {
	g := newTestGuard([]string{"Bob"})
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	r.Header.Set(HeaderIdentity, "Bob")
	r.Header.Set(HeaderToken, "wrong")
	if fault := g.Check(r); fault == nil {
		t.Fatal("expected FORBIDDEN for wrong token")
	}
}

func TestRestrictedQueueRejectsUnlistedIdentity(t *testing.T) {
	// Alice exists in the registry but is not allowed on this queue.
	g := newTestGuard([]string{"Bob"})
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	r.Header.Set(HeaderIdentity, "Alice")
	r.Header.Set(HeaderToken, "alicetoken")
	if fault := g.Check(r); fault == nil {
		t.Fatal("expected FORBIDDEN for identity not in this queue's allowlist")
	}
}

func TestRestrictedQueueRejectsUnknownIdentity(t *testing.T) {
	g := newTestGuard([]string{"Bob"})
	r := httptest.NewRequest(http.MethodGet, "/consume/q", nil)
	r.Header.Set(HeaderIdentity, "Ghost")
	r.Header.Set(HeaderToken, "anything")
	if fault := g.Check(r); fault == nil {
		t.Fatal("expected FORBIDDEN for unknown identity")
	}
}
