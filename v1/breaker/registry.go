package breaker

import (
	"context"
	"sync"
)

// Instance is the non-generic view of a circuit breaker held by a
// Registry.
type Instance interface {
	Name() string
	State(ctx context.Context) (State, error)
}

// Registry is a process-wide name-to-breaker directory for
// introspection and monitoring. Listings evaluate each breaker's
// current, possibly derived state and are point-in-time snapshots with
// no cross-entry consistency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]Instance
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]Instance)}
}

// Register adds the breaker under its name. The last registration under
// a name wins.
func (r *Registry) Register(b Instance) {
	r.mu.Lock()
	r.breakers[b.Name()] = b
	r.mu.Unlock()
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (Instance, bool) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	return b, ok
}

// Breakers returns every registered breaker.
func (r *Registry) Breakers() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) filter(ctx context.Context, want State) ([]Instance, error) {
	var out []Instance
	for _, b := range r.Breakers() {
		st, err := b.State(ctx)
		if err != nil {
			return nil, err
		}
		if st == want {
			out = append(out, b)
		}
	}
	return out, nil
}

// Open returns the breakers currently in the OPEN state.
func (r *Registry) Open(ctx context.Context) ([]Instance, error) {
	return r.filter(ctx, StateOpen)
}

// Closed returns the breakers currently in the CLOSED state.
func (r *Registry) Closed(ctx context.Context) ([]Instance, error) {
	return r.filter(ctx, StateClosed)
}

// AllClosed reports whether no breaker is currently open.
func (r *Registry) AllClosed(ctx context.Context) (bool, error) {
	open, err := r.Open(ctx)
	if err != nil {
		return false, err
	}
	return len(open) == 0, nil
}
