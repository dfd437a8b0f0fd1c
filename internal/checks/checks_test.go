package checks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

type fakeConnector struct {
	name         string
	rowCount     int64
	rowCountErr  error
	lastModified *time.Time
	lastModErr   error
	columns      []types.SchemaColumn
	columnsErr   error
}

func (f *fakeConnector) Name() string           { return f.name }
func (f *fakeConnector) Kind() types.SourceKind { return types.SourceKindPostgres }
func (f *fakeConnector) Ping(ctx context.Context) error {
	return nil
}
func (f *fakeConnector) RowCount(ctx context.Context, target *types.TableTarget) (int64, error) {
	return f.rowCount, f.rowCountErr
}
func (f *fakeConnector) LastModified(ctx context.Context, target *types.TableTarget) (*time.Time, error) {
	return f.lastModified, f.lastModErr
}
func (f *fakeConnector) Columns(ctx context.Context, target *types.TableTarget) ([]types.SchemaColumn, error) {
	return f.columns, f.columnsErr
}
func (f *fakeConnector) Close() error { return nil }

type fakeBaselineStore struct {
	baseline *types.VolumeBaseline
	updates  []int64
}

func (f *fakeBaselineStore) GetVolumeBaseline(ctx context.Context, targetID uuid.UUID) (*types.VolumeBaseline, error) {
	if f.baseline == nil {
		return nil, errors.NewNotFoundError("volume baseline")
	}
	return f.baseline, nil
}

func (f *fakeBaselineStore) UpdateVolumeBaseline(ctx context.Context, targetID uuid.UUID, rowCount int64) (*types.VolumeBaseline, error) {
	f.updates = append(f.updates, rowCount)
	return &types.VolumeBaseline{TargetID: targetID, RowCount: rowCount, SampleCount: 1}, nil
}

type fakeSnapshotRepo struct {
	latest  *types.SchemaSnapshot
	created []*types.SchemaSnapshot
}

func (f *fakeSnapshotRepo) Create(ctx context.Context, snapshot *types.SchemaSnapshot) error {
	f.created = append(f.created, snapshot)
	return nil
}

func (f *fakeSnapshotRepo) GetLatest(ctx context.Context, targetID uuid.UUID) (*types.SchemaSnapshot, error) {
	if f.latest == nil {
		return nil, errors.NewNotFoundError("schema snapshot")
	}
	return f.latest, nil
}

func testSource() *types.DataSource {
	return &types.DataSource{ID: uuid.New(), Name: "prod-pg", Kind: types.SourceKindPostgres}
}

func testTarget() *types.TableTarget {
	return &types.TableTarget{
		ID:              uuid.New(),
		SchemaName:      "public",
		TableName:       "orders",
		TimestampColumn: "updated_at",
		MaxLag:          time.Hour,
		VolumeTolerance: 0.25,
		Enabled:         true,
	}
}

func newTestRunner(t *testing.T, conn *fakeConnector, baselines BaselineStore, snapshots *fakeSnapshotRepo) *Runner {
	t.Helper()
	cfg := &RunnerConfig{Source: testSource(), Connector: conn}
	if baselines != nil {
		cfg.Baselines = baselines
	}
	if snapshots != nil {
		cfg.Snapshots = snapshots
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runner
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(nil)
	require.Error(t, err)

	_, err = NewRunner(&RunnerConfig{Source: testSource()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector is required")
}

func TestFreshness_FreshTable(t *testing.T) {
	recent := time.Now().Add(-5 * time.Minute)
	conn := &fakeConnector{name: "prod-pg", lastModified: &recent}
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusOK, result.Status)
	assert.Equal(t, types.CheckKindFreshness, result.Kind)
	assert.InDelta(t, 300, result.ObservedValue, 5)
	assert.Equal(t, 3600.0, result.BaselineValue)
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.StartedAt.IsZero())
	assert.False(t, result.CreatedAt.IsZero())
}

func TestFreshness_StaleTable(t *testing.T) {
	stale := time.Now().Add(-3 * time.Hour)
	conn := &fakeConnector{name: "prod-pg", lastModified: &stale}
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusAlerting, result.Status)
	assert.Contains(t, result.Message, "public.orders")
	assert.Contains(t, result.Message, "behind")
}

func TestFreshness_EmptyTable(t *testing.T) {
	conn := &fakeConnector{name: "prod-pg", lastModified: nil}
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusAlerting, result.Status)
	assert.Contains(t, result.Message, "has no rows")
}

func TestFreshness_NoMaxLagNeverAlerts(t *testing.T) {
	old := time.Now().Add(-100 * time.Hour)
	conn := &fakeConnector{name: "prod-pg", lastModified: &old}
	target := testTarget()
	target.MaxLag = 0
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), target)

	assert.Equal(t, types.CheckStatusOK, result.Status)
}

func TestFreshness_CircuitOpenSkips(t *testing.T) {
	conn := &fakeConnector{
		name:       "prod-pg",
		lastModErr: &resilience.CircuitOpenError{Name: "db-prod-pg", NextAttemptTime: time.Now()},
	}
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusSkipped, result.Status)
	assert.Contains(t, result.Message, "circuit breaker is open")
}

func TestFreshness_QueryFailure(t *testing.T) {
	conn := &fakeConnector{
		name: "prod-pg",
		lastModErr: &resilience.RetryExhaustedError{
			Name: "db-prod-pg",
			Attempts: []resilience.RetryAttempt{
				{Number: 1}, {Number: 2}, {Number: 3},
			},
			LastErr: errors.NewSourceError("prod-pg", "query failed"),
		},
	}
	runner := newTestRunner(t, conn, nil, nil)

	result := runner.Freshness(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusError, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestVolume_FirstObservationSeedsBaseline(t *testing.T) {
	conn := &fakeConnector{name: "prod-pg", rowCount: 1000}
	store := &fakeBaselineStore{}
	runner := newTestRunner(t, conn, store, nil)

	result := runner.Volume(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusOK, result.Status)
	assert.Equal(t, "baseline established", result.Message)
	assert.Equal(t, 1000.0, result.ObservedValue)
	assert.Equal(t, 1000.0, result.BaselineValue)
	assert.Equal(t, []int64{1000}, store.updates)
}

func TestVolume_WithinTolerance(t *testing.T) {
	conn := &fakeConnector{name: "prod-pg", rowCount: 1100}
	store := &fakeBaselineStore{
		baseline: &types.VolumeBaseline{RowCount: 1000, SampleCount: 5},
	}
	runner := newTestRunner(t, conn, store, nil)

	result := runner.Volume(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusOK, result.Status)
	assert.Equal(t, 1100.0, result.ObservedValue)
	assert.Equal(t, 1000.0, result.BaselineValue)
	// the observation still feeds the rolling baseline
	assert.Equal(t, []int64{1100}, store.updates)
}

func TestVolume_DeviationAlerts(t *testing.T) {
	conn := &fakeConnector{name: "prod-pg", rowCount: 400}
	store := &fakeBaselineStore{
		baseline: &types.VolumeBaseline{RowCount: 1000, SampleCount: 5},
	}
	runner := newTestRunner(t, conn, store, nil)

	result := runner.Volume(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusAlerting, result.Status)
	assert.Contains(t, result.Message, "400 rows")
	assert.Contains(t, result.Message, "60%")
}

func TestVolume_DefaultTolerance(t *testing.T) {
	conn := &fakeConnector{name: "prod-pg", rowCount: 1200}
	store := &fakeBaselineStore{
		baseline: &types.VolumeBaseline{RowCount: 1000, SampleCount: 5},
	}
	target := testTarget()
	target.VolumeTolerance = 0
	runner := newTestRunner(t, conn, store, nil)

	// 20% deviation sits inside the 25% default
	result := runner.Volume(context.Background(), target)
	assert.Equal(t, types.CheckStatusOK, result.Status)
}

func TestVolume_QueryFailure(t *testing.T) {
	conn := &fakeConnector{
		name:        "prod-pg",
		rowCountErr: errors.NewSourceError("prod-pg", "query failed"),
	}
	store := &fakeBaselineStore{}
	runner := newTestRunner(t, conn, store, nil)

	result := runner.Volume(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusError, result.Status)
	assert.Empty(t, store.updates)
}

func TestSchema_FirstRunRecordsSnapshot(t *testing.T) {
	columns := []types.SchemaColumn{
		{Name: "id", DataType: "bigint", Position: 1},
		{Name: "updated_at", DataType: "timestamp with time zone", Position: 2},
	}
	conn := &fakeConnector{name: "prod-pg", columns: columns}
	repo := &fakeSnapshotRepo{}
	runner := newTestRunner(t, conn, nil, repo)

	result := runner.Schema(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusOK, result.Status)
	assert.Equal(t, "schema recorded", result.Message)
	require.Len(t, repo.created, 1)
	assert.Equal(t, columns, repo.created[0].Columns)
}

func TestSchema_NoDrift(t *testing.T) {
	columns := []types.SchemaColumn{
		{Name: "id", DataType: "bigint", Position: 1},
	}
	conn := &fakeConnector{name: "prod-pg", columns: columns}
	repo := &fakeSnapshotRepo{latest: &types.SchemaSnapshot{Columns: columns}}
	runner := newTestRunner(t, conn, nil, repo)

	result := runner.Schema(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusOK, result.Status)
	assert.Empty(t, repo.created)
}

func TestSchema_DriftAlertsAndResnapshots(t *testing.T) {
	before := []types.SchemaColumn{
		{Name: "id", DataType: "bigint", Position: 1},
		{Name: "total", DataType: "numeric", Position: 2},
	}
	after := []types.SchemaColumn{
		{Name: "id", DataType: "bigint", Position: 1},
		{Name: "total", DataType: "text", Position: 2},
		{Name: "discount", DataType: "numeric", Position: 3},
	}
	conn := &fakeConnector{name: "prod-pg", columns: after}
	repo := &fakeSnapshotRepo{latest: &types.SchemaSnapshot{Columns: before}}
	runner := newTestRunner(t, conn, nil, repo)

	result := runner.Schema(context.Background(), testTarget())

	assert.Equal(t, types.CheckStatusAlerting, result.Status)
	assert.Equal(t, 2.0, result.ObservedValue)
	assert.Contains(t, result.Message, "added [discount]")
	assert.Contains(t, result.Message, "changed [total]")
	require.Len(t, repo.created, 1)
	assert.Equal(t, after, repo.created[0].Columns)
}

func TestRun_SelectsApplicableChecks(t *testing.T) {
	recent := time.Now()
	conn := &fakeConnector{name: "prod-pg", lastModified: &recent, rowCount: 10}
	store := &fakeBaselineStore{}
	repo := &fakeSnapshotRepo{}
	conn.columns = []types.SchemaColumn{{Name: "id", DataType: "bigint", Position: 1}}
	runner := newTestRunner(t, conn, store, repo)

	results := runner.Run(context.Background(), testTarget())
	require.Len(t, results, 3)

	kinds := []types.CheckKind{results[0].Kind, results[1].Kind, results[2].Kind}
	assert.Equal(t, []types.CheckKind{types.CheckKindFreshness, types.CheckKindVolume, types.CheckKindSchema}, kinds)

	// no timestamp column disables freshness
	target := testTarget()
	target.TimestampColumn = ""
	results = runner.Run(context.Background(), target)
	require.Len(t, results, 2)
	assert.Equal(t, types.CheckKindVolume, results[0].Kind)
}

func TestDiffColumns(t *testing.T) {
	before := []types.SchemaColumn{
		{Name: "id", DataType: "bigint"},
		{Name: "name", DataType: "text", Nullable: true},
		{Name: "legacy", DataType: "text"},
	}
	after := []types.SchemaColumn{
		{Name: "id", DataType: "bigint"},
		{Name: "name", DataType: "text", Nullable: false},
		{Name: "created_at", DataType: "timestamptz"},
	}

	added, removed, changed := DiffColumns(before, after)

	assert.Equal(t, []string{"created_at"}, added)
	assert.Equal(t, []string{"legacy"}, removed)
	assert.Equal(t, []string{"name"}, changed)
}

func TestVolumeDeviation(t *testing.T) {
	assert.Equal(t, 0.0, volumeDeviation(0, 0))
	assert.Equal(t, 1.0, volumeDeviation(50, 0))
	assert.Equal(t, 0.0, volumeDeviation(100, 100))
	assert.Equal(t, 0.5, volumeDeviation(50, 100))
	assert.Equal(t, 0.5, volumeDeviation(150, 100))
}
