package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tablewatch/tablewatch/pkg/errors"
)

func TestCircuitBreaker_DefaultBehavior(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	// Initially closed
	assert.Equal(t, StateClosed, cb.State())

	// Successful calls keep it closed
	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", result)
		assert.Equal(t, StateClosed, cb.State())
	}

	stats := cb.Stats()
	assert.Equal(t, uint64(5), stats.TotalCalls)
	assert.Equal(t, uint64(5), stats.SuccessfulCalls)
	assert.Equal(t, uint64(0), stats.FailedCalls)
}

func TestCircuitBreaker_ConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	_, err = NewCircuitBreaker(CircuitBreakerConfig{Name: "bad", FailureThreshold: -1})
	require.Error(t, err)

	_, err = NewCircuitBreaker(CircuitBreakerConfig{Name: "bad", RecoveryTimeout: -time.Second})
	require.Error(t, err)

	// Zero values fall back to defaults
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{Name: "defaults"})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	// Note: the sliding failure window uses a fixed 5-minute lookback that is
	// independent of RecoveryTimeout, so all failures below land in-window.
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Rejected without invoking the operation
	invoked := false
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "should not execute", nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.True(t, IsCircuitOpen(err))

	var coErr *CircuitOpenError
	require.ErrorAs(t, err, &coErr)
	assert.Equal(t, "test-cb", coErr.Name)
	assert.False(t, coErr.NextAttemptTime.IsZero())

	stats := cb.Stats()
	assert.Equal(t, uint64(1), stats.RejectedCalls)
	assert.False(t, stats.NextAttemptTime.IsZero())
}

func TestCircuitBreaker_SlidingWindowPrunesStaleFailures(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	// Failures older than the fixed 5-minute lookback stop counting toward
	// the threshold. The lookback is deliberately independent of the 1-second
	// RecoveryTimeout above: these stale entries are far outside the window
	// yet nowhere near any recovery schedule.
	stale := time.Now().Add(-6 * time.Minute)
	cb.mutex.Lock()
	cb.failureWindow = []time.Time{stale, stale.Add(time.Second)}
	cb.mutex.Unlock()

	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)

	// The stale pair was pruned, so only the fresh failure remains in-window
	// and the breaker stays closed.
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().WindowFailures)

	// Two more fresh failures reach the threshold and trip it
	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		})
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// First call after the recovery timeout is allowed through as a probe
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "probe", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second success reaches SuccessThreshold and closes the breaker
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "probe", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().WindowFailures)
}

func TestCircuitBreaker_HalfOpenFailureReTrips(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	before := cb.Stats().NextAttemptTime
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.Stats().NextAttemptTime.After(before))
}

func TestCircuitBreaker_ErrorFilter(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
		ErrorFilter: func(err error) bool {
			// Validation errors do not indicate an unhealthy dependency
			return !apperrors.IsType(err, apperrors.ErrorTypeValidation)
		},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, apperrors.NewValidationError("bad input")
		})
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint64(5), cb.Stats().FailedCalls)
	assert.Equal(t, 0, cb.Stats().WindowFailures)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection reset")
		})
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		})
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "CLOSED->OPEN", transitions[0])
}

func TestCircuitBreaker_TripAndReset(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	cb.Trip()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Stats().NextAttemptTime.IsZero())

	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.True(t, IsCircuitOpen(err))

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	// A successful call right after reset leaves only that call in the counters
	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	stats := cb.Stats()
	assert.Equal(t, uint64(1), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.SuccessfulCalls)
	assert.Equal(t, uint64(0), stats.FailedCalls)
	assert.Equal(t, uint64(0), stats.RejectedCalls)
	assert.Equal(t, 0, stats.WindowFailures)
}

func TestCircuitBreaker_ExecuteWithResult(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	result := cb.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	assert.True(t, result.Success)
	assert.Equal(t, 42, result.Value)
	assert.NoError(t, result.Err)

	result = cb.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
	assert.Equal(t, StateOpen, result.State)

	// Rejection is surfaced in the record, not thrown
	result = cb.ExecuteWithResult(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.False(t, result.Success)
	assert.True(t, IsCircuitOpen(result.Err))
}

func TestCircuitBreaker_Panic(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test-cb",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	require.NoError(t, err)

	assert.Panics(t, func() {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("test panic")
		})
	})

	// The panicked call is recorded as a failure
	stats := cb.Stats()
	assert.Equal(t, uint64(1), stats.TotalCalls)
	assert.Equal(t, uint64(1), stats.FailedCalls)
	assert.Equal(t, 1, stats.WindowFailures)
}

func TestCircuitBreaker_EndToEndScenario(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "db-postgres-primary",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		RecoveryTimeout:  150 * time.Millisecond,
	})
	require.NoError(t, err)

	// Three consecutive failures open the breaker
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// A call within the recovery timeout is rejected without invoking
	invoked := false
	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, invoked)

	// After the recovery timeout the next call goes through and closes it
	time.Sleep(160 * time.Millisecond)
	result, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, StateClosed, cb.State())
}
