// Package resilience provides the fault-tolerance primitives that wrap every
// outbound database operation in tablewatch: circuit breaker, retry with
// exponential backoff, and hierarchical timeout/cancellation management.
//
// The three components are independent and freely composable; each exposes the
// same two-shape contract (Execute returns the result or an error,
// ExecuteWithResult returns a tagged outcome record and never fails
// out-of-band).
//
// # Circuit Breaker Pattern
//
// The circuit breaker tracks recent failures in a sliding five-minute window
// and fails fast once they reach a threshold, probing recovery through a
// half-open trial state after the recovery timeout.
//
//	cb, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "db-postgres-primary",
//		FailureThreshold: 5,
//		SuccessThreshold: 2,
//		RecoveryTimeout:  30 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return conn.QueryRow(ctx, stmt)
//	})
//
// # Retry with Exponential Backoff
//
// The retry policy reruns a failed operation with exponentially growing,
// jittered delays, governed by a pluggable eligibility predicate and an
// optional per-attempt timeout. Presets cover database queries
// (DatabaseRetryConfig) and third-party APIs (ExternalAPIRetryConfig).
//
//	policy, err := resilience.NewRetryPolicy(resilience.DatabaseRetryConfig("db-postgres-primary"))
//	result := policy.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
//		return conn.QueryRow(ctx, stmt)
//	})
//
// # Timeout Management
//
// The timeout manager enforces a deadline through cooperative cancellation:
// the operation receives a context it must observe. Managers form parent/child
// trees so cancelling a parent stops the whole subtree.
//
//	parent, _ := resilience.NewTimeoutManager(resilience.TimeoutConfig{Name: "check-run", Duration: time.Minute})
//	child, _ := parent.CreateChild(resilience.TimeoutConfig{Name: "table-scan", Duration: 20 * time.Second})
//
// # Registries
//
// Named registries hand out one shared instance per logical target so that
// every call site hitting the same data source shares breaker and backoff
// state. Registries are explicit objects constructed at startup, not
// package-level singletons, which keeps tests isolated.
//
//	reg := resilience.NewRegistry()
//	cb, err := reg.CircuitBreakers.GetOrCreate("db-postgres-primary",
//		resilience.DefaultCircuitBreakerConfig("db-postgres-primary"))
//
// All state is in-memory and local to the process; it resets on restart.
// The package is thread-safe and designed for many concurrent operations
// sharing the same named instances.
package resilience
