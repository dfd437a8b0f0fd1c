package checks

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/connector"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// DefaultVolumeTolerance is used when a target does not configure its own
// allowed row-count deviation
const DefaultVolumeTolerance = 0.25

// BaselineStore is the slice of the baseline cache volume checks need
type BaselineStore interface {
	GetVolumeBaseline(ctx context.Context, targetID uuid.UUID) (*types.VolumeBaseline, error)
	UpdateVolumeBaseline(ctx context.Context, targetID uuid.UUID, rowCount int64) (*types.VolumeBaseline, error)
}

var _ BaselineStore = (*cache.BaselineCache)(nil)

// Runner executes the monitoring checks for one data source. All table access
// goes through the source's connector, which carries the resilience stack.
type Runner struct {
	conn      connector.Connector
	source    *types.DataSource
	baselines BaselineStore
	snapshots database.SchemaSnapshotRepositoryInterface
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// RunnerConfig holds check runner dependencies
type RunnerConfig struct {
	Source    *types.DataSource
	Connector connector.Connector
	// Baselines is required for volume checks
	Baselines BaselineStore
	// Snapshots is required for schema checks
	Snapshots database.SchemaSnapshotRepositoryInterface
	Metrics   *metrics.Metrics
}

// NewRunner creates a check runner for one source
func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if cfg == nil || cfg.Source == nil {
		return nil, errors.NewValidationError("runner source is required")
	}
	if cfg.Connector == nil {
		return nil, errors.NewValidationError("runner connector is required")
	}

	return &Runner{
		conn:      cfg.Connector,
		source:    cfg.Source,
		baselines: cfg.Baselines,
		snapshots: cfg.Snapshots,
		metrics:   cfg.Metrics,
		logger:    logging.GetLogger(),
	}, nil
}

// Run executes every check applicable to the target and returns the results.
// A target without a timestamp column skips freshness; volume and schema need
// their backing stores wired.
func (r *Runner) Run(ctx context.Context, target *types.TableTarget) []*types.CheckResult {
	var results []*types.CheckResult

	if target.TimestampColumn != "" {
		results = append(results, r.Freshness(ctx, target))
	}
	if r.baselines != nil {
		results = append(results, r.Volume(ctx, target))
	}
	if r.snapshots != nil {
		results = append(results, r.Schema(ctx, target))
	}

	return results
}

// Freshness measures how far behind the target's newest row is and compares
// the lag against the target's MaxLag
func (r *Runner) Freshness(ctx context.Context, target *types.TableTarget) *types.CheckResult {
	result := r.newResult(target, types.CheckKindFreshness)

	lastModified, err := r.conn.LastModified(ctx, target)
	if err != nil {
		return r.finish(ctx, target, result, err)
	}

	if lastModified == nil {
		result.Status = types.CheckStatusAlerting
		result.Message = fmt.Sprintf("table %s has no rows", target.QualifiedName())
		return r.finish(ctx, target, result, nil)
	}

	lag := time.Since(*lastModified)
	result.ObservedValue = lag.Seconds()
	result.BaselineValue = target.MaxLag.Seconds()

	if r.metrics != nil {
		r.metrics.UpdateFreshnessLag(r.source.Name, target.QualifiedName(), lag)
	}

	if target.MaxLag > 0 && lag > target.MaxLag {
		result.Status = types.CheckStatusAlerting
		result.Message = fmt.Sprintf("table %s is %s behind (max lag %s)",
			target.QualifiedName(), lag.Round(time.Second), target.MaxLag)
	} else {
		result.Status = types.CheckStatusOK
	}

	return r.finish(ctx, target, result, nil)
}

// Volume compares the target's current row count against its rolling baseline
// and folds the observation back into the baseline
func (r *Runner) Volume(ctx context.Context, target *types.TableTarget) *types.CheckResult {
	result := r.newResult(target, types.CheckKindVolume)

	rowCount, err := r.conn.RowCount(ctx, target)
	if err != nil {
		return r.finish(ctx, target, result, err)
	}
	result.ObservedValue = float64(rowCount)

	baseline, err := r.baselines.GetVolumeBaseline(ctx, target.ID)
	if err != nil && !errors.IsNotFound(err) {
		return r.finish(ctx, target, result, err)
	}

	if baseline == nil {
		// First observation seeds the baseline and cannot deviate from itself
		if _, err := r.baselines.UpdateVolumeBaseline(ctx, target.ID, rowCount); err != nil {
			return r.finish(ctx, target, result, err)
		}
		result.Status = types.CheckStatusOK
		result.Message = "baseline established"
		result.BaselineValue = float64(rowCount)
		return r.finish(ctx, target, result, nil)
	}

	result.BaselineValue = float64(baseline.RowCount)
	deviation := volumeDeviation(rowCount, baseline.RowCount)

	tolerance := target.VolumeTolerance
	if tolerance <= 0 {
		tolerance = DefaultVolumeTolerance
	}

	if deviation > tolerance {
		result.Status = types.CheckStatusAlerting
		result.Message = fmt.Sprintf("table %s has %d rows, %.0f%% off the baseline of %d (tolerance %.0f%%)",
			target.QualifiedName(), rowCount, deviation*100, baseline.RowCount, tolerance*100)
	} else {
		result.Status = types.CheckStatusOK
	}

	if _, err := r.baselines.UpdateVolumeBaseline(ctx, target.ID, rowCount); err != nil {
		r.logger.LogError(ctx, err, "failed to update volume baseline", map[string]interface{}{
			"target_id": target.ID.String(),
		})
	}

	return r.finish(ctx, target, result, nil)
}

// Schema compares the target's current column set against the latest recorded
// snapshot and records a new snapshot when drift is found
func (r *Runner) Schema(ctx context.Context, target *types.TableTarget) *types.CheckResult {
	result := r.newResult(target, types.CheckKindSchema)

	columns, err := r.conn.Columns(ctx, target)
	if err != nil {
		return r.finish(ctx, target, result, err)
	}
	result.ObservedValue = float64(len(columns))

	latest, err := r.snapshots.GetLatest(ctx, target.ID)
	if err != nil && !errors.IsNotFound(err) {
		return r.finish(ctx, target, result, err)
	}

	if latest == nil {
		snapshot := &types.SchemaSnapshot{TargetID: target.ID, Columns: columns}
		if err := r.snapshots.Create(ctx, snapshot); err != nil {
			return r.finish(ctx, target, result, err)
		}
		result.Status = types.CheckStatusOK
		result.Message = "schema recorded"
		return r.finish(ctx, target, result, nil)
	}

	result.BaselineValue = float64(len(latest.Columns))
	added, removed, changed := DiffColumns(latest.Columns, columns)

	drift := len(added) + len(removed) + len(changed)
	if drift == 0 {
		result.Status = types.CheckStatusOK
		return r.finish(ctx, target, result, nil)
	}

	result.Status = types.CheckStatusAlerting
	result.ObservedValue = float64(drift)
	result.Message = describeDrift(target.QualifiedName(), added, removed, changed)

	// Re-snapshot so the same drift alerts once, not on every tick
	snapshot := &types.SchemaSnapshot{TargetID: target.ID, Columns: columns}
	if err := r.snapshots.Create(ctx, snapshot); err != nil {
		r.logger.LogError(ctx, err, "failed to record schema snapshot", map[string]interface{}{
			"target_id": target.ID.String(),
		})
	}

	return r.finish(ctx, target, result, nil)
}

// DiffColumns compares two column sets by name, reporting added and removed
// columns and columns whose type or nullability changed
func DiffColumns(before, after []types.SchemaColumn) (added, removed, changed []string) {
	prev := make(map[string]types.SchemaColumn, len(before))
	for _, col := range before {
		prev[col.Name] = col
	}

	seen := make(map[string]bool, len(after))
	for _, col := range after {
		seen[col.Name] = true
		old, ok := prev[col.Name]
		if !ok {
			added = append(added, col.Name)
			continue
		}
		if old.DataType != col.DataType || old.Nullable != col.Nullable {
			changed = append(changed, col.Name)
		}
	}

	for _, col := range before {
		if !seen[col.Name] {
			removed = append(removed, col.Name)
		}
	}

	return added, removed, changed
}

func describeDrift(table string, added, removed, changed []string) string {
	msg := fmt.Sprintf("schema drift on %s:", table)
	if len(added) > 0 {
		msg += fmt.Sprintf(" added %v", added)
	}
	if len(removed) > 0 {
		msg += fmt.Sprintf(" removed %v", removed)
	}
	if len(changed) > 0 {
		msg += fmt.Sprintf(" changed %v", changed)
	}
	return msg
}

// volumeDeviation returns the fractional deviation of observed from baseline
func volumeDeviation(observed, baseline int64) float64 {
	if baseline == 0 {
		if observed == 0 {
			return 0
		}
		return 1
	}
	diff := observed - baseline
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(baseline)
}

func (r *Runner) newResult(target *types.TableTarget, kind types.CheckKind) *types.CheckResult {
	return &types.CheckResult{
		ID:        uuid.New(),
		TargetID:  target.ID,
		SourceID:  r.source.ID,
		Kind:      kind,
		Attempts:  1,
		StartedAt: time.Now(),
	}
}

// finish classifies a failure, stamps duration, and emits metrics and logs
func (r *Runner) finish(ctx context.Context, target *types.TableTarget, result *types.CheckResult, err error) *types.CheckResult {
	if err != nil {
		result.Status, result.Message = classifyCheckError(err)
		result.Attempts = attemptCount(err)
	}
	result.Duration = time.Since(result.StartedAt)
	result.CreatedAt = time.Now()

	if r.metrics != nil {
		r.metrics.RecordCheck(string(result.Kind), string(result.Status), r.source.Name, result.Duration)
	}

	if result.Status != types.CheckStatusOK {
		r.logger.LogCheckEvent(ctx, "check_"+string(result.Status), result.ID.String(),
			r.source.Name, target.QualifiedName(), map[string]interface{}{
				"kind":    string(result.Kind),
				"message": result.Message,
			})
	}

	return result
}

// classifyCheckError maps a connector failure onto a check status. An open
// breaker means the check never ran, which is a skip, not an error.
func classifyCheckError(err error) (types.CheckStatus, string) {
	if resilience.IsCircuitOpen(err) {
		return types.CheckStatusSkipped, "source circuit breaker is open"
	}
	if resilience.IsOperationCancelled(err) {
		return types.CheckStatusSkipped, "check was cancelled"
	}
	return types.CheckStatusError, err.Error()
}

// attemptCount extracts how many attempts were burned when retries gave up
func attemptCount(err error) int {
	var exhausted *resilience.RetryExhaustedError
	if stderrors.As(err, &exhausted) {
		return len(exhausted.Attempts)
	}
	return 1
}
