package resilience

import (
	"context"
	"time"
)

// ResilientOperation wraps an operation with the full decorator stack: an
// overall timeout around a retry policy around a circuit-breaker-guarded call.
// Connectors obtain one per data source so repeated monitoring runs share
// fault-tolerance state.
type ResilientOperation struct {
	circuitBreaker *CircuitBreaker
	retryPolicy    *RetryPolicy
	timeout        time.Duration
}

// ResilientConfig configures a combined resilient operation
type ResilientConfig struct {
	Name           string
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
	// Timeout bounds the whole execution including retries and backoff
	// sleeps; zero disables the overall deadline
	Timeout time.Duration
}

// NewResilientOperation creates a combined breaker/retry/timeout wrapper
func NewResilientOperation(config ResilientConfig) (*ResilientOperation, error) {
	if config.CircuitBreaker.Name == "" {
		config.CircuitBreaker.Name = config.Name
	}
	if config.Retry.Name == "" {
		config.Retry.Name = config.Name
	}

	cb, err := NewCircuitBreaker(config.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	rp, err := NewRetryPolicy(config.Retry)
	if err != nil {
		return nil, err
	}

	return &ResilientOperation{
		circuitBreaker: cb,
		retryPolicy:    rp,
		timeout:        config.Timeout,
	}, nil
}

// NewResilientOperationFromRegistry resolves the breaker and retry policy from
// a shared registry so all call sites hitting the same target share state
func NewResilientOperationFromRegistry(registry *Registry, config ResilientConfig) (*ResilientOperation, error) {
	cb, err := registry.CircuitBreakers.GetOrCreate(config.Name, config.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	rp, err := registry.RetryPolicies.GetOrCreate(config.Name, config.Retry)
	if err != nil {
		return nil, err
	}

	return &ResilientOperation{
		circuitBreaker: cb,
		retryPolicy:    rp,
		timeout:        config.Timeout,
	}, nil
}

// Execute runs the operation through retry around the circuit breaker, all
// under the overall timeout when one is configured
func (ro *ResilientOperation) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	wrapped := func(ctx context.Context) (interface{}, error) {
		return ro.retryPolicy.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return ro.circuitBreaker.Execute(ctx, operation)
		})
	}

	if ro.timeout <= 0 {
		return wrapped(ctx)
	}
	return WithTimeout(ctx, ro.circuitBreaker.Name(), ro.timeout, wrapped)
}

// ExecuteVoid runs an operation that produces no result
func (ro *ResilientOperation) ExecuteVoid(ctx context.Context, operation func(context.Context) error) error {
	_, err := ro.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// State returns the current state of the underlying circuit breaker
func (ro *ResilientOperation) State() CircuitState {
	return ro.circuitBreaker.State()
}

// CircuitBreaker exposes the underlying breaker for admin operations
func (ro *ResilientOperation) CircuitBreaker() *CircuitBreaker {
	return ro.circuitBreaker
}

// RetryPolicy exposes the underlying retry policy
func (ro *ResilientOperation) RetryPolicy() *RetryPolicy {
	return ro.retryPolicy
}
