package resilience

import (
	"sync"
)

// CircuitBreakerRegistry is a process-wide lookup of named circuit breakers so
// that every call site targeting the same logical resource (for example
// "db-postgres-primary") shares failure state. Construct one at startup and
// pass it to the components that resolve breakers; tests can hold isolated
// registries.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerRegistry creates an empty circuit breaker registry
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker registered under name, creating it from the
// given configuration on first use. Exactly one instance per name is ever
// created, even under concurrent resolution; the config of later callers is
// ignored.
func (r *CircuitBreakerRegistry) GetOrCreate(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb, nil
	}

	config.Name = name
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = cb
	return cb, nil
}

// Get returns the breaker registered under name, if any
func (r *CircuitBreakerRegistry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Remove drops the breaker registered under name
func (r *CircuitBreakerRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Names returns the names of all registered breakers
func (r *CircuitBreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// GetAllStats returns a stats snapshot for every registered breaker, keyed by
// name. Used by observability endpoints.
func (r *CircuitBreakerRegistry) GetAllStats() map[string]CircuitBreakerStats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	stats := make(map[string]CircuitBreakerStats, len(breakers))
	for _, cb := range breakers {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// RetryRegistry is a process-wide lookup of named retry policies
type RetryRegistry struct {
	mu       sync.Mutex
	policies map[string]*RetryPolicy
}

// NewRetryRegistry creates an empty retry policy registry
func NewRetryRegistry() *RetryRegistry {
	return &RetryRegistry{
		policies: make(map[string]*RetryPolicy),
	}
}

// GetOrCreate returns the policy registered under name, creating it from the
// given configuration on first use
func (r *RetryRegistry) GetOrCreate(name string, config RetryConfig) (*RetryPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.policies[name]; ok {
		return p, nil
	}

	config.Name = name
	p, err := NewRetryPolicy(config)
	if err != nil {
		return nil, err
	}
	r.policies[name] = p
	return p, nil
}

// Get returns the policy registered under name, if any
func (r *RetryRegistry) Get(name string) (*RetryPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[name]
	return p, ok
}

// Remove drops the policy registered under name
func (r *RetryRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, name)
}

// Names returns the names of all registered policies
func (r *RetryRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	return names
}

// GetAllStats returns a stats snapshot for every registered policy, keyed by name
func (r *RetryRegistry) GetAllStats() map[string]RetryStats {
	r.mu.Lock()
	policies := make([]*RetryPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		policies = append(policies, p)
	}
	r.mu.Unlock()

	stats := make(map[string]RetryStats, len(policies))
	for _, p := range policies {
		stats[p.Name()] = p.Stats()
	}
	return stats
}

// TimeoutRegistry is a process-wide lookup of named long-lived timeout
// managers. Most managers are constructed ad hoc per operation; the registry
// holds the ones shared across call sites, typically parents of operation
// subtrees.
type TimeoutRegistry struct {
	mu       sync.Mutex
	managers map[string]*TimeoutManager
}

// NewTimeoutRegistry creates an empty timeout manager registry
func NewTimeoutRegistry() *TimeoutRegistry {
	return &TimeoutRegistry{
		managers: make(map[string]*TimeoutManager),
	}
}

// GetOrCreate returns the manager registered under name, creating it from the
// given configuration on first use
func (r *TimeoutRegistry) GetOrCreate(name string, config TimeoutConfig) (*TimeoutManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tm, ok := r.managers[name]; ok {
		return tm, nil
	}

	config.Name = name
	tm, err := NewTimeoutManager(config)
	if err != nil {
		return nil, err
	}
	r.managers[name] = tm
	return tm, nil
}

// Get returns the manager registered under name, if any
func (r *TimeoutRegistry) Get(name string) (*TimeoutManager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tm, ok := r.managers[name]
	return tm, ok
}

// Remove drops the manager registered under name
func (r *TimeoutRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, name)
}

// Names returns the names of all registered managers
func (r *TimeoutRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	return names
}

// GetAllStats returns a stats snapshot for every registered manager, keyed by name
func (r *TimeoutRegistry) GetAllStats() map[string]TimeoutStats {
	r.mu.Lock()
	managers := make([]*TimeoutManager, 0, len(r.managers))
	for _, tm := range r.managers {
		managers = append(managers, tm)
	}
	r.mu.Unlock()

	stats := make(map[string]TimeoutStats, len(managers))
	for _, tm := range managers {
		stats[tm.Name()] = tm.Stats()
	}
	return stats
}

// Registry bundles the three component registries so callers can resolve all
// fault-tolerance state for a named target from one place
type Registry struct {
	CircuitBreakers *CircuitBreakerRegistry
	RetryPolicies   *RetryRegistry
	Timeouts        *TimeoutRegistry
}

// NewRegistry creates a registry bundle with empty component registries
func NewRegistry() *Registry {
	return &Registry{
		CircuitBreakers: NewCircuitBreakerRegistry(),
		RetryPolicies:   NewRetryRegistry(),
		Timeouts:        NewTimeoutRegistry(),
	}
}

// AllStats aggregates the stats of every registered component
type AllStats struct {
	CircuitBreakers map[string]CircuitBreakerStats `json:"circuit_breakers"`
	RetryPolicies   map[string]RetryStats          `json:"retry_policies"`
	Timeouts        map[string]TimeoutStats        `json:"timeouts"`
}

// GetAllStats returns a combined snapshot across all three registries
func (r *Registry) GetAllStats() AllStats {
	return AllStats{
		CircuitBreakers: r.CircuitBreakers.GetAllStats(),
		RetryPolicies:   r.RetryPolicies.GetAllStats(),
		Timeouts:        r.Timeouts.GetAllStats(),
	}
}
