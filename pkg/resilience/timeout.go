package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tablewatch/tablewatch/pkg/logging"
)

// TimeoutConfig holds configuration for a timeout manager
type TimeoutConfig struct {
	// Name identifies the manager in logs and error messages
	Name string
	// Duration is the deadline for the wrapped operation
	Duration time.Duration
	// DisablePropagation stops Cancel and timeout from cascading to child
	// managers; children must then be cancelled individually
	DisablePropagation bool
}

// DefaultTimeoutConfig returns a timeout configuration with a 30 second
// deadline and propagation to children enabled
func DefaultTimeoutConfig(name string) TimeoutConfig {
	return TimeoutConfig{
		Name:     name,
		Duration: 30 * time.Second,
	}
}

// TimeoutStats is a point-in-time snapshot of a manager's counters
type TimeoutStats struct {
	Name            string        `json:"name"`
	Executions      uint64        `json:"executions"`
	Successes       uint64        `json:"successes"`
	Timeouts        uint64        `json:"timeouts"`
	Cancellations   uint64        `json:"cancellations"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

// TimeoutManager enforces a deadline on an operation using cooperative
// cancellation: the wrapped operation receives a context it must observe and
// stop real work when it fires. Managers form a parent/child tree; cancelling
// or timing out a parent propagates cancellation to every in-flight child
// before the cancel returns.
type TimeoutManager struct {
	name               string
	duration           time.Duration
	disablePropagation bool
	logger             *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	parent        *TimeoutManager
	children      map[*TimeoutManager]struct{}
	cancelled     bool
	cancelHandled bool
	timeoutFired  bool
	startTime     time.Time
	executing     bool

	executions    uint64
	successes     uint64
	timeouts      uint64
	cancellations uint64
	minDuration   time.Duration
	maxDuration   time.Duration
	totalDuration time.Duration
}

// NewTimeoutManager creates a new standalone timeout manager
func NewTimeoutManager(config TimeoutConfig) (*TimeoutManager, error) {
	return newTimeoutManager(config, nil, context.Background())
}

func newTimeoutManager(config TimeoutConfig, parent *TimeoutManager, base context.Context) (*TimeoutManager, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("timeout config: name is required")
	}
	if config.Duration <= 0 {
		return nil, fmt.Errorf("timeout '%s': duration must be positive", config.Name)
	}

	ctx, cancel := context.WithCancel(base)

	return &TimeoutManager{
		name:               config.Name,
		duration:           config.Duration,
		disablePropagation: config.DisablePropagation,
		logger:             logging.GetLogger(),
		ctx:                ctx,
		cancel:             cancel,
		parent:             parent,
		children:           make(map[*TimeoutManager]struct{}),
	}, nil
}

// CreateChild produces a new manager whose cancellation signal also fires
// whenever this manager's does, and which registers itself in this manager's
// child set for the propagation sweep. If this manager is already cancelled
// the child is created pre-cancelled.
func (tm *TimeoutManager) CreateChild(config TimeoutConfig) (*TimeoutManager, error) {
	base := context.Background()
	if !tm.disablePropagation {
		base = tm.ctx
	}

	child, err := newTimeoutManager(config, tm, base)
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	if tm.cancelled {
		tm.mu.Unlock()
		child.doCancel()
		return child, nil
	}
	tm.children[child] = struct{}{}
	tm.mu.Unlock()

	return child, nil
}

// Execute runs the operation under this manager's deadline. The operation
// receives a context derived from the manager's cancellation signal and must
// exit cooperatively when it fires. If the deadline elapses first, the result
// is an OperationTimeoutError; if cancellation came from Cancel or a parent,
// an OperationCancelledError.
func (tm *TimeoutManager) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	tm.mu.Lock()
	if tm.cancelled {
		tm.executions++
		tm.cancellations++
		tm.mu.Unlock()
		return nil, &OperationCancelledError{Name: tm.name}
	}
	tm.executions++
	tm.executing = true
	tm.startTime = time.Now()
	start := tm.startTime
	tm.mu.Unlock()

	opCtx, opCancel := context.WithCancel(tm.ctx)
	defer opCancel()

	timer := time.AfterFunc(tm.duration, func() {
		tm.mu.Lock()
		if tm.cancelled {
			tm.mu.Unlock()
			return
		}
		tm.timeoutFired = true
		tm.mu.Unlock()
		tm.doCancel()
	})

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("panic in timeout operation: %v", r)}
			}
		}()
		value, err := operation(opCtx)
		done <- outcome{value, err}
	}()

	var value interface{}
	var err error
	settled := false

	select {
	case out := <-done:
		value, err = out.value, out.err
		settled = true
	case <-ctx.Done():
		// The caller's context was cancelled; treat it like an explicit
		// cancel so the operation and any children observe the signal.
		tm.doCancel()
	case <-tm.ctx.Done():
		// Own timer fired, explicit Cancel, or parent propagation.
	}

	timer.Stop()
	elapsed := time.Since(start)

	return tm.finishExecution(value, err, settled, elapsed)
}

// finishExecution classifies the outcome, records stats, and detaches from
// the parent's child set.
func (tm *TimeoutManager) finishExecution(value interface{}, err error, settled bool, elapsed time.Duration) (interface{}, error) {
	tm.mu.Lock()
	fired := tm.timeoutFired
	cancelled := tm.cancelled
	tm.executing = false

	tm.totalDuration += elapsed
	if tm.minDuration == 0 || elapsed < tm.minDuration {
		tm.minDuration = elapsed
	}
	if elapsed > tm.maxDuration {
		tm.maxDuration = elapsed
	}

	// An operation that settled with a context error while the manager's
	// signal was triggered is classified by the trigger, not passed through.
	signalErr := settled && err != nil && tm.ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))

	switch {
	case fired && (!settled || signalErr):
		tm.timeouts++
		tm.mu.Unlock()
		tm.detachFromParent()
		return nil, &OperationTimeoutError{Name: tm.name, Duration: tm.duration}
	case cancelled && (!settled || signalErr):
		tm.cancellations++
		tm.mu.Unlock()
		tm.detachFromParent()
		return nil, &OperationCancelledError{Name: tm.name}
	case err == nil:
		tm.successes++
		tm.mu.Unlock()
		tm.detachFromParent()
		return value, nil
	default:
		// Underlying operation error passes through unchanged.
		tm.mu.Unlock()
		tm.detachFromParent()
		return nil, err
	}
}

// TimeoutResult is a tagged outcome record for a single execution
type TimeoutResult struct {
	Success   bool
	Value     interface{}
	Err       error
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// ExecuteWithResult wraps Execute in a tagged outcome record so the caller
// never needs error handling; deadline overruns and cancellations are
// surfaced as classification flags on the record.
func (tm *TimeoutManager) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) *TimeoutResult {
	start := time.Now()
	value, err := tm.Execute(ctx, operation)
	return &TimeoutResult{
		Success:   err == nil,
		Value:     value,
		Err:       err,
		Duration:  time.Since(start),
		TimedOut:  IsOperationTimeout(err),
		Cancelled: IsOperationCancelled(err),
	}
}

// Cancel fires the manager's cancellation signal. It is one-way and
// idempotent; racing a timeout against an explicit cancel only takes effect
// once. With propagation enabled, every still-active child observes
// cancellation before Cancel returns.
func (tm *TimeoutManager) Cancel() {
	tm.doCancel()
}

func (tm *TimeoutManager) doCancel() {
	tm.mu.Lock()
	if tm.cancelHandled {
		tm.mu.Unlock()
		return
	}
	tm.cancelHandled = true
	tm.cancelled = true
	children := make([]*TimeoutManager, 0, len(tm.children))
	for child := range tm.children {
		children = append(children, child)
	}
	tm.children = make(map[*TimeoutManager]struct{})
	propagate := !tm.disablePropagation
	tm.mu.Unlock()

	// Sweep children depth-first before firing our own signal so each child
	// has classified the cancellation by the time its context fires.
	if propagate {
		for _, child := range children {
			child.doCancel()
		}
	}

	tm.cancel()
	tm.detachFromParent()

	tm.logger.Debug("Timeout manager cancelled",
		"name", tm.name,
		"children_swept", len(children),
		"propagate", propagate,
	)
}

func (tm *TimeoutManager) detachFromParent() {
	parent := tm.parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	delete(parent.children, tm)
	parent.mu.Unlock()
}

// Context exposes the manager's cancellation signal so operations started
// outside Execute can observe it
func (tm *TimeoutManager) Context() context.Context {
	return tm.ctx
}

// IsCancelled reports whether the manager's signal has fired
func (tm *TimeoutManager) IsCancelled() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.cancelled
}

// Name returns the name of the timeout manager
func (tm *TimeoutManager) Name() string {
	return tm.name
}

// GetRemainingTime returns how much of the deadline is left for the in-flight
// execution, or the full duration when idle
func (tm *TimeoutManager) GetRemainingTime() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.executing {
		return tm.duration
	}
	remaining := tm.duration - time.Since(tm.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetElapsedTime returns how long the in-flight execution has been running,
// or zero when idle
func (tm *TimeoutManager) GetElapsedTime() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.executing {
		return 0
	}
	return time.Since(tm.startTime)
}

// ChildCount returns the number of currently registered child managers
func (tm *TimeoutManager) ChildCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.children)
}

// Stats returns a snapshot of the manager's counters
func (tm *TimeoutManager) Stats() TimeoutStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	stats := TimeoutStats{
		Name:          tm.name,
		Executions:    tm.executions,
		Successes:     tm.successes,
		Timeouts:      tm.timeouts,
		Cancellations: tm.cancellations,
		MinDuration:   tm.minDuration,
		MaxDuration:   tm.maxDuration,
	}
	if tm.executions > 0 {
		stats.AverageDuration = tm.totalDuration / time.Duration(tm.executions)
	}
	return stats
}

// WithTimeout runs a single operation under a one-shot timeout manager and
// discards the manager afterwards. Used when no hierarchy is needed.
func WithTimeout(ctx context.Context, name string, duration time.Duration, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	tm, err := NewTimeoutManager(TimeoutConfig{Name: name, Duration: duration})
	if err != nil {
		return nil, err
	}
	return tm.Execute(ctx, operation)
}
