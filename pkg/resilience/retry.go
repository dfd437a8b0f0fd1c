package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// Name identifies the policy in logs, errors, and registries
	Name string
	// MaxAttempts is the maximum number of attempts for a single execution
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter randomizes each delay within a 10 percent band to avoid
	// synchronized retry storms across many callers
	Jitter bool
	// RetryCondition decides whether an error is worth retrying given the
	// attempt number. Default skips validation, authentication, authorization,
	// permission, not-found, and bad-request errors.
	RetryCondition func(err error, attempt int) bool
	// DelayFunc overrides the default backoff computation entirely
	DelayFunc func(attempt int) time.Duration
	// AttemptTimeout bounds each individual attempt; an overrun is treated as
	// a failure with an AttemptTimeoutError and stays retryable
	AttemptTimeout time.Duration
	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:              name,
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryCondition:    DefaultRetryCondition,
	}
}

// DatabaseRetryConfig returns the preset used for customer database queries:
// more attempts with a short base delay, capped per-attempt time, retrying
// only connection, timeout, and network class failures.
func DatabaseRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:              name,
		MaxAttempts:       5,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		AttemptTimeout:    30 * time.Second,
		RetryCondition: func(err error, attempt int) bool {
			if IsCircuitOpen(err) {
				return false
			}
			return IsAttemptTimeout(err) || isTimeoutClass(err) || isNetworkClass(err)
		},
	}
}

// ExternalAPIRetryConfig returns the preset for third-party HTTP APIs:
// few attempts with a longer base delay, retrying server-side (5xx class)
// failures on every attempt but network errors only on the first two.
func ExternalAPIRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:              name,
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryCondition: func(err error, attempt int) bool {
			if IsCircuitOpen(err) {
				return false
			}
			if isServerErrorClass(err) {
				return true
			}
			if isNetworkClass(err) || IsAttemptTimeout(err) {
				return attempt <= 2
			}
			return false
		},
	}
}

// DefaultRetryCondition retries unless the error indicates a non-transient
// condition: validation, authentication, authorization, permission, not-found,
// or bad-request failures waste time when retried. Circuit-open rejections are
// never retried; the breaker already knows the dependency is unhealthy.
func DefaultRetryCondition(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}

	if errors.IsType(err, errors.ErrorTypeValidation) ||
		errors.IsType(err, errors.ErrorTypeAuthentication) ||
		errors.IsType(err, errors.ErrorTypeAuthorization) ||
		errors.IsType(err, errors.ErrorTypeNotFound) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range nonTransientMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	return true
}

var nonTransientMarkers = []string{
	"validation",
	"authentication",
	"authorization",
	"permission",
	"not found",
	"bad request",
}

func isTimeoutClass(err error) bool {
	if errors.IsType(err, errors.ErrorTypeTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func isNetworkClass(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network",
		"i/o timeout",
		"dial tcp",
		"eof",
		"too many connections",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isServerErrorClass(err error) bool {
	if errors.IsType(err, errors.ErrorTypeExternal) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"500", "502", "503", "504", "server error", "service unavailable", "bad gateway"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryAttempt records one try within a single execution
type RetryAttempt struct {
	Number    int           `json:"number"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
	// Delay is the computed backoff before the next attempt; zero on the
	// final or successful attempt
	Delay   time.Duration `json:"delay"`
	Success bool          `json:"success"`
}

// RetryResult is the non-throwing outcome record returned by ExecuteWithResult
type RetryResult struct {
	Success       bool
	Value         interface{}
	Err           error
	Attempts      []RetryAttempt
	TotalAttempts int
	TotalDuration time.Duration
}

// RetryStats accumulates aggregate statistics across a policy's lifetime
type RetryStats struct {
	Name            string        `json:"name"`
	Executions      uint64        `json:"executions"`
	Successes       uint64        `json:"successes"`
	Failures        uint64        `json:"failures"`
	TotalAttempts   uint64        `json:"total_attempts"`
	AverageAttempts float64       `json:"average_attempts"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
}

// RetryPolicy runs an operation with bounded retries, exponential backoff, and
// jitter. It is stateless between executions except for aggregate stats; each
// execution builds its own attempt log.
type RetryPolicy struct {
	config RetryConfig
	logger *logging.Logger

	statsMu       sync.Mutex
	executions    uint64
	successes     uint64
	failures      uint64
	totalAttempts uint64
	totalDuration time.Duration
}

// NewRetryPolicy creates a new retry policy. Zero-valued numeric fields are
// replaced with defaults; negative values fail fast with a validation error.
func NewRetryPolicy(config RetryConfig) (*RetryPolicy, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("retry config: name is required")
	}
	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry policy '%s': max attempts must not be negative", config.Name)
	}
	if config.BaseDelay < 0 || config.MaxDelay < 0 {
		return nil, fmt.Errorf("retry policy '%s': delays must not be negative", config.Name)
	}
	if config.BackoffMultiplier < 0 {
		return nil, fmt.Errorf("retry policy '%s': backoff multiplier must not be negative", config.Name)
	}

	defaults := DefaultRetryConfig(config.Name)
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay == 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryCondition == nil {
		config.RetryCondition = DefaultRetryCondition
	}

	return &RetryPolicy{
		config: config,
		logger: logging.GetLogger(),
	}, nil
}

// Name returns the name of the retry policy
func (p *RetryPolicy) Name() string {
	return p.config.Name
}

// Execute runs the operation with retry logic, returning the result of the
// first successful attempt or a RetryExhaustedError once no more retries are
// permitted.
func (p *RetryPolicy) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	result := p.ExecuteWithResult(ctx, operation)
	if result.Success {
		return result.Value, nil
	}
	return nil, result.Err
}

// ExecuteWithResult runs the operation with retry logic and returns a tagged
// outcome record with the full ordered attempt log. It never returns an error
// out-of-band; failures are surfaced in the record.
func (p *RetryPolicy) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) *RetryResult {
	start := time.Now()
	attempts := make([]RetryAttempt, 0, p.config.MaxAttempts)

	var value interface{}
	var lastErr error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		attemptStart := time.Now()
		value, lastErr = p.runAttempt(ctx, attempt, operation)
		attemptEnd := time.Now()

		record := RetryAttempt{
			Number:    attempt,
			StartTime: attemptStart,
			EndTime:   attemptEnd,
			Duration:  attemptEnd.Sub(attemptStart),
			Err:       lastErr,
			Success:   lastErr == nil,
		}

		if lastErr == nil {
			attempts = append(attempts, record)
			total := time.Since(start)
			p.recordExecution(true, len(attempts), total)
			if attempt > 1 {
				p.logger.Info("Operation succeeded after retry",
					"policy", p.config.Name,
					"attempt", attempt,
					"max_attempts", p.config.MaxAttempts,
				)
			}
			return &RetryResult{
				Success:       true,
				Value:         value,
				Attempts:      attempts,
				TotalAttempts: len(attempts),
				TotalDuration: total,
			}
		}

		retryable := attempt < p.config.MaxAttempts && p.config.RetryCondition(lastErr, attempt)
		if retryable {
			record.Delay = p.computeDelay(attempt)
		}
		attempts = append(attempts, record)

		if !retryable {
			break
		}

		p.logger.Debug("Operation failed, retrying",
			"policy", p.config.Name,
			"error", lastErr.Error(),
			"attempt", attempt,
			"max_attempts", p.config.MaxAttempts,
			"delay", record.Delay,
		)

		if p.config.OnRetry != nil {
			p.config.OnRetry(attempt, lastErr, record.Delay)
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = p.config.MaxAttempts // stop the loop
		case <-time.After(record.Delay):
		}
	}

	total := time.Since(start)
	p.recordExecution(false, len(attempts), total)

	var terminal error
	if ctx.Err() != nil && lastErr == ctx.Err() {
		// Cancelled between attempts; surface the context error directly.
		terminal = lastErr
	} else {
		terminal = &RetryExhaustedError{
			Name:     p.config.Name,
			Attempts: attempts,
			LastErr:  lastErr,
		}
		p.logger.Error("Operation failed after all retry attempts",
			"policy", p.config.Name,
			"error", lastErr.Error(),
			"attempts", len(attempts),
		)
	}

	return &RetryResult{
		Success:       false,
		Err:           terminal,
		Attempts:      attempts,
		TotalAttempts: len(attempts),
		TotalDuration: total,
	}
}

// runAttempt executes one try, bounded by the per-attempt timeout when one is
// configured. A timed-out attempt yields an AttemptTimeoutError.
func (p *RetryPolicy) runAttempt(ctx context.Context, attempt int, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if p.config.AttemptTimeout <= 0 {
		return operation(ctx)
	}

	value, err := WithTimeout(ctx, fmt.Sprintf("%s-attempt-%d", p.config.Name, attempt), p.config.AttemptTimeout, operation)
	if IsOperationTimeout(err) {
		return nil, &AttemptTimeoutError{Attempt: attempt, Timeout: p.config.AttemptTimeout}
	}
	return value, err
}

// computeDelay returns the backoff before the next attempt:
// min(base * multiplier^(attempt-1), max), jittered within a 10 percent band
// when enabled.
func (p *RetryPolicy) computeDelay(attempt int) time.Duration {
	if p.config.DelayFunc != nil {
		return p.config.DelayFunc(attempt)
	}

	delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}

	if p.config.Jitter {
		delay += (rand.Float64()*2 - 1) * 0.1 * delay
	}

	return time.Duration(delay)
}

func (p *RetryPolicy) recordExecution(success bool, attempts int, duration time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.executions++
	p.totalAttempts += uint64(attempts)
	p.totalDuration += duration
	if success {
		p.successes++
	} else {
		p.failures++
	}
}

// Stats returns a snapshot of the aggregate retry statistics
func (p *RetryPolicy) Stats() RetryStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := RetryStats{
		Name:          p.config.Name,
		Executions:    p.executions,
		Successes:     p.successes,
		Failures:      p.failures,
		TotalAttempts: p.totalAttempts,
	}
	if p.executions > 0 {
		stats.AverageAttempts = float64(p.totalAttempts) / float64(p.executions)
		stats.AverageDuration = p.totalDuration / time.Duration(p.executions)
		stats.SuccessRate = float64(p.successes) / float64(p.executions)
	}
	return stats
}

// ResetStats zeroes the aggregate statistics without touching configuration
func (p *RetryPolicy) ResetStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.executions = 0
	p.successes = 0
	p.failures = 0
	p.totalAttempts = 0
	p.totalDuration = 0
}
