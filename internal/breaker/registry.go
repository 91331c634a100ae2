package breaker

import (
	"log"
	"sync"
	"time"
)

// Registry dispenses breakers by name so every caller guarding the same
// upstream shares one breaker.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   *log.Logger
	onChange func(name string, from, to State)
}

// NewRegistry creates a registry and eagerly installs the three broker
// breakers the engine requires: orders (60s base), market data (30s) and
// auth (120s).
func NewRegistry(logger *log.Logger, onChange func(name string, from, to State)) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		onChange: onChange,
	}
	r.GetWithSettings(Settings{Name: NameBrokerOrders, FailureThreshold: 5, SuccessThreshold: 2, BaseTimeout: 60 * time.Second})
	r.GetWithSettings(Settings{Name: NameBrokerMarketData, FailureThreshold: 5, SuccessThreshold: 2, BaseTimeout: 30 * time.Second})
	r.GetWithSettings(Settings{Name: NameBrokerAuth, FailureThreshold: 3, SuccessThreshold: 1, BaseTimeout: 120 * time.Second})
	return r
}

// Get returns the named breaker, creating it with defaults when absent.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithSettings(Settings{Name: name})
}

// GetWithSettings returns the named breaker, creating it from settings when
// absent. Settings are ignored for an existing breaker.
func (r *Registry) GetWithSettings(s Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[s.Name]; ok {
		return b
	}
	if s.Logger == nil {
		s.Logger = r.logger
	}
	if s.OnStateChange == nil {
		s.OnStateChange = r.onChange
	}
	b := New(s)
	r.breakers[s.Name] = b
	return b
}

// States returns a snapshot of every breaker's state, keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
