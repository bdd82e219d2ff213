// Package idgen allocates collision-free 32-bit pattern identifiers.
//
// A Registry is append-only: identifiers are never released, so a match event
// carrying a stale ID can never alias a pattern created later.
package idgen

import (
	"math"
	"math/rand/v2"
	"sync"
)

// AutoID is the reserved sentinel meaning "allocate an ID for me".
// It is never handed out and can never be reserved.
const AutoID uint32 = math.MaxUint32

// Registry tracks every identifier it has allocated or reserved.
type Registry struct {
	mu   sync.Mutex
	ids  map[uint32]struct{}
	rand *rand.Rand // nil uses the runtime's global generator
}

// Option configures a Registry.
type Option func(*Registry)

// WithSource draws identifiers from src instead of the global generator.
// Useful for deterministic tests.
func WithSource(src rand.Source) Option {
	return func(r *Registry) {
		r.rand = rand.New(src)
	}
}

// New creates an empty, isolated registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		ids: make(map[uint32]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultRegistry = sync.OnceValue(func() *Registry { return New() })

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry()
}

// Allocate draws random identifiers until one is free, registers it and returns it.
func (r *Registry) Allocate() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := r.draw()
		if _, taken := r.ids[id]; taken {
			continue
		}
		r.ids[id] = struct{}{}
		return id
	}
}

// Reserve registers an explicit identifier. It returns false, leaving
// the registry untouched, when id is AutoID or already registered.
func (r *Registry) Reserve(id uint32) bool {
	if id == AutoID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.ids[id]; taken {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

// Contains reports whether id has been allocated or reserved.
func (r *Registry) Contains(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.ids[id]
	return ok
}

// Len returns the number of registered identifiers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.ids)
}

// draw returns a uniform value in [0, AutoID). Callers hold r.mu.
func (r *Registry) draw() uint32 {
	if r.rand != nil {
		return r.rand.Uint32N(AutoID)
	}
	return rand.Uint32N(AutoID)
}
