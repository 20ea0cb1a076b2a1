package fdbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Runtime is an explicit, non-global handle owning a set of endpoints
// (spec §9 "Global singletons": "the reference implementation keeps a
// process-wide singleton bus; this one does not — callers construct a
// Runtime explicitly, which is what lets tests run several independent
// buses in one process"). Grounded on _examples/adred-codev-ws_poc/ws/internal/shared/server.go's
// Server struct owning its own listener/connection set rather than relying
// on package-level state.
type Runtime struct {
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewRuntime returns a runtime that logs through logger. Pass
// zerolog.Nop() for a silent runtime in tests.
func NewRuntime(logger zerolog.Logger) *Runtime {
	return &Runtime{
		logger:    logger,
		endpoints: make(map[*Endpoint]struct{}),
	}
}

func (rt *Runtime) register(ep *Endpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.endpoints[ep] = struct{}{}
}

func (rt *Runtime) unregister(ep *Endpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.endpoints, ep)
}

// Endpoints returns a snapshot of every live endpoint owned by rt.
func (rt *Runtime) Endpoints() []*Endpoint {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Endpoint, 0, len(rt.endpoints))
	for ep := range rt.endpoints {
		out = append(out, ep)
	}
	return out
}

// Shutdown quiesces and releases every endpoint still owned by rt, in no
// particular order. Safe to call more than once.
func (rt *Runtime) Shutdown() {
	for _, ep := range rt.Endpoints() {
		ep.Quiesce()
		ep.Release()
	}
}
