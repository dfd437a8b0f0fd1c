package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tablewatch/tablewatch/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, calls pass through
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, calls are rejected without invoking the operation
	StateOpen
	// StateHalfOpen - circuit is half-open, trial probes are allowed through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// failureWindowLookback is the fixed lookback for the sliding failure window.
// It is intentionally independent of RecoveryTimeout; a recovery timeout much
// longer or shorter than this window changes how quickly old failures age out
// relative to recovery probing.
const failureWindowLookback = 5 * time.Minute

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs, metrics, and registries
	Name string
	// FailureThreshold is the number of qualifying failures within the sliding
	// window that trips the breaker open
	FailureThreshold int
	// SuccessThreshold is the number of successful probes required to close
	// the breaker from half-open
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a probe
	RecoveryTimeout time.Duration
	// ErrorFilter decides which errors count toward tripping. Errors it
	// rejects are still surfaced to the caller and counted as failed calls,
	// but do not enter the failure window. Default accepts everything.
	ErrorFilter func(error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a circuit breaker configuration with
// production defaults for a database target
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreakerStats is a point-in-time snapshot of a breaker's counters
type CircuitBreakerStats struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	TotalCalls        uint64    `json:"total_calls"`
	SuccessfulCalls   uint64    `json:"successful_calls"`
	FailedCalls       uint64    `json:"failed_calls"`
	RejectedCalls     uint64    `json:"rejected_calls"`
	WindowFailures    int       `json:"window_failures"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	LastSuccessTime   time.Time `json:"last_success_time"`
	LastFailureTime   time.Time `json:"last_failure_time"`
	NextAttemptTime   time.Time `json:"next_attempt_time"`
}

// CircuitBreaker is a fail-fast gate around calls to a single unreliable
// dependency. It tracks recent failures in a sliding time window and stops
// calling the wrapped operation once failures reach a threshold, until a
// recovery timeout elapses and half-open trial probes succeed.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	errorFilter      func(error) bool
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex                sync.Mutex
	state                CircuitState
	failureWindow        []time.Time
	halfOpenSuccessCount int
	nextAttemptTime      time.Time

	totalCalls      uint64
	successfulCalls uint64
	failedCalls     uint64
	rejectedCalls   uint64
	lastSuccessTime time.Time
	lastFailureTime time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
// Zero-valued thresholds and timeouts are replaced with defaults; negative
// values fail fast with a validation error.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("circuit breaker config: name is required")
	}
	if config.FailureThreshold < 0 {
		return nil, fmt.Errorf("circuit breaker '%s': failure threshold must not be negative", config.Name)
	}
	if config.SuccessThreshold < 0 {
		return nil, fmt.Errorf("circuit breaker '%s': success threshold must not be negative", config.Name)
	}
	if config.RecoveryTimeout < 0 {
		return nil, fmt.Errorf("circuit breaker '%s': recovery timeout must not be negative", config.Name)
	}

	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.ErrorFilter == nil {
		config.ErrorFilter = func(error) bool { return true }
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		errorFilter:      config.ErrorFilter,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		logger:           logging.GetLogger(),
	}, nil
}

// Execute runs the given operation if the circuit breaker admits it.
// It returns the operation's result on success or its error on failure, and
// a CircuitOpenError without invoking the operation when the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(fmt.Errorf("panic in circuit breaker operation: %v", r))
			panic(r)
		}
	}()

	result, err := operation(ctx)
	cb.afterCall(err)
	return result, err
}

// CallResult is the non-throwing outcome record returned by ExecuteWithResult
type CallResult struct {
	Success  bool
	Value    interface{}
	Err      error
	Duration time.Duration
	State    CircuitState
}

// ExecuteWithResult wraps Execute in a tagged success/failure outcome so the
// caller never needs error handling; failures are surfaced in the record.
func (cb *CircuitBreaker) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) *CallResult {
	start := time.Now()
	value, err := cb.Execute(ctx, operation)
	return &CallResult{
		Success:  err == nil,
		Value:    value,
		Err:      err,
		Duration: time.Since(start),
		State:    cb.State(),
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker's counters and state
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		Name:              cb.name,
		State:             cb.state.String(),
		TotalCalls:        cb.totalCalls,
		SuccessfulCalls:   cb.successfulCalls,
		FailedCalls:       cb.failedCalls,
		RejectedCalls:     cb.rejectedCalls,
		WindowFailures:    len(cb.failureWindow),
		HalfOpenSuccesses: cb.halfOpenSuccessCount,
		LastSuccessTime:   cb.lastSuccessTime,
		LastFailureTime:   cb.lastFailureTime,
		NextAttemptTime:   cb.nextAttemptTime,
	}
}

// Trip forces the breaker open. Intended for tests and manual intervention.
func (cb *CircuitBreaker) Trip() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.tripLocked(time.Now())
}

// Reset forces the breaker closed and zeroes all counters and the failure window
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setStateLocked(StateClosed)
	cb.failureWindow = nil
	cb.halfOpenSuccessCount = 0
	cb.nextAttemptTime = time.Time{}
	cb.totalCalls = 0
	cb.successfulCalls = 0
	cb.failedCalls = 0
	cb.rejectedCalls = 0
	cb.lastSuccessTime = time.Time{}
	cb.lastFailureTime = time.Time{}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalCalls++

	if cb.state == StateOpen {
		now := time.Now()
		if now.Before(cb.nextAttemptTime) {
			cb.rejectedCalls++
			return &CircuitOpenError{Name: cb.name, NextAttemptTime: cb.nextAttemptTime}
		}
		// Recovery timeout elapsed; let this call through as a trial probe.
		cb.setStateLocked(StateHalfOpen)
		cb.halfOpenSuccessCount = 0
	}

	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()

	if err == nil {
		cb.successfulCalls++
		cb.lastSuccessTime = now
		if cb.state == StateHalfOpen {
			cb.halfOpenSuccessCount++
			if cb.halfOpenSuccessCount >= cb.successThreshold {
				cb.setStateLocked(StateClosed)
				cb.failureWindow = nil
				cb.halfOpenSuccessCount = 0
			}
		}
		return
	}

	cb.failedCalls++
	cb.lastFailureTime = now

	if !cb.errorFilter(err) {
		return
	}

	switch cb.state {
	case StateHalfOpen:
		// Any qualifying failure during the trial re-trips immediately.
		cb.tripLocked(now)
	case StateClosed:
		cb.failureWindow = append(cb.failureWindow, now)
		cb.pruneWindowLocked(now)
		if len(cb.failureWindow) >= cb.failureThreshold {
			cb.tripLocked(now)
		}
	}
}

func (cb *CircuitBreaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-failureWindowLookback)
	idx := 0
	for idx < len(cb.failureWindow) && cb.failureWindow[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.failureWindow = cb.failureWindow[idx:]
	}
}

func (cb *CircuitBreaker) tripLocked(now time.Time) {
	cb.setStateLocked(StateOpen)
	cb.nextAttemptTime = now.Add(cb.recoveryTimeout)
	cb.halfOpenSuccessCount = 0
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"window_failures", len(cb.failureWindow),
	)
}
