// Package identity implements C2: the per-queue identity allowlist check.
package identity

import (
	"crypto/subtle"
	"net/http"

	bunnyerr "github.com/wudi/bunnyproxy/internal/errors"
)

const (
	HeaderIdentity = "X-Bunny-Identity"
	HeaderToken    = "X-Bunny-Token"
)

// Registry is a read-only, load-time-built identity → token map.
type Registry struct {
	tokens map[string]string
}

// NewRegistry builds a Registry from (name, token) pairs. Immutable after
// construction.
func NewRegistry(pairs map[string]string) *Registry {
	tokens := make(map[string]string, len(pairs))
	for name, token := range pairs {
		tokens[name] = token
	}
	return &Registry{tokens: tokens}
}

// Guard enforces an allowlist of identity names against a Registry.
type Guard struct {
	registry *Registry
}

// NewGuard builds a Guard restricted to allowed (a subset of registry's
// names). An empty allowed set means the queue is unrestricted.
func NewGuard(registry *Registry, allowed []string) *Guard {
	return &Guard{registry: restrict(registry, allowed)}
}

func restrict(registry *Registry, allowed []string) *Registry {
	if len(allowed) == 0 {
		return &Registry{tokens: nil}
	}
	tokens := make(map[string]string, len(allowed))
	for _, name := range allowed {
		if t, ok := registry.tokens[name]; ok {
			tokens[name] = t
		}
	}
	return &Registry{tokens: tokens}
}

// Open reports whether this guard was built with an empty allowed set. A
// non-empty allowed set keeps the queue restricted even when none of its
// names are in the registry.
func (g *Guard) Open() bool {
	return g.registry.tokens == nil
}

// Check enforces the guard against an HTTP request's identity headers. A
// missing header against a restricted queue fails FORBIDDEN, the same as a
// wrong token, so enumerating restricted queues gains an attacker nothing
// (spec.md §4.2).
func (g *Guard) Check(r *http.Request) *bunnyerr.Fault {
	if g.Open() {
		return nil
	}

	name := r.Header.Get(HeaderIdentity)
	token := r.Header.Get(HeaderToken)
	if name == "" || token == "" {
		return bunnyerr.ErrForbidden
	}

	want, ok := g.registry.tokens[name]
	if !ok {
		return bunnyerr.ErrForbidden
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return bunnyerr.ErrForbidden
	}

	return nil
}
