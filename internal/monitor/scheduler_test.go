package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tablewatch/tablewatch/internal/connector"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/internal/notifications"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

type fakeSourceRepo struct {
	enabled []*types.DataSource
	err     error
}

func (f *fakeSourceRepo) Create(ctx context.Context, source *types.DataSource) error { return nil }
func (f *fakeSourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.DataSource, error) {
	return nil, errors.NewNotFoundError("source")
}
func (f *fakeSourceRepo) GetByName(ctx context.Context, name string) (*types.DataSource, error) {
	return nil, errors.NewNotFoundError("source")
}
func (f *fakeSourceRepo) Update(ctx context.Context, source *types.DataSource) error { return nil }
func (f *fakeSourceRepo) Delete(ctx context.Context, id uuid.UUID) error             { return nil }
func (f *fakeSourceRepo) ListEnabled(ctx context.Context) ([]*types.DataSource, error) {
	return f.enabled, f.err
}
func (f *fakeSourceRepo) List(ctx context.Context, p *database.Pagination) ([]*types.DataSource, int64, error) {
	return f.enabled, int64(len(f.enabled)), nil
}

type fakeTargetRepo struct {
	bySource map[uuid.UUID][]*types.TableTarget
}

func (f *fakeTargetRepo) Create(ctx context.Context, target *types.TableTarget) error { return nil }
func (f *fakeTargetRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.TableTarget, error) {
	return nil, errors.NewNotFoundError("target")
}
func (f *fakeTargetRepo) Update(ctx context.Context, target *types.TableTarget) error { return nil }
func (f *fakeTargetRepo) Delete(ctx context.Context, id uuid.UUID) error              { return nil }
func (f *fakeTargetRepo) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]*types.TableTarget, error) {
	return f.bySource[sourceID], nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	created []*types.CheckResult
}

func (f *fakeResultRepo) Create(ctx context.Context, result *types.CheckResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, result)
	return nil
}
func (f *fakeResultRepo) GetLatestByTarget(ctx context.Context, targetID uuid.UUID) ([]*types.CheckResult, error) {
	return nil, nil
}
func (f *fakeResultRepo) ListBySource(ctx context.Context, sourceID uuid.UUID, p *database.Pagination) ([]*types.CheckResult, int64, error) {
	return nil, 0, nil
}
func (f *fakeResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeResultRepo) results() []*types.CheckResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.CheckResult, len(f.created))
	copy(out, f.created)
	return out
}

type stubConnector struct {
	name         string
	lastModified time.Time
}

func (s *stubConnector) Name() string                       { return s.name }
func (s *stubConnector) Kind() types.SourceKind             { return types.SourceKindPostgres }
func (s *stubConnector) Ping(ctx context.Context) error     { return nil }
func (s *stubConnector) Close() error                       { return nil }
func (s *stubConnector) RowCount(ctx context.Context, t *types.TableTarget) (int64, error) {
	return 100, nil
}
func (s *stubConnector) LastModified(ctx context.Context, t *types.TableTarget) (*time.Time, error) {
	lm := s.lastModified
	return &lm, nil
}
func (s *stubConnector) Columns(ctx context.Context, t *types.TableTarget) ([]types.SchemaColumn, error) {
	return []types.SchemaColumn{{Name: "id", DataType: "bigint", Position: 1}}, nil
}

func monitorConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		CheckInterval:        time.Hour,
		MaxConcurrentSources: 2,
		CheckTimeout:         5 * time.Second,
		QueryTimeout:         time.Second,
	}
}

func newTestScheduler(t *testing.T, sources *fakeSourceRepo, targets *fakeTargetRepo, results *fakeResultRepo, notifier *notifications.Service) *Scheduler {
	t.Helper()

	s, err := NewScheduler(&SchedulerConfig{
		Sources:  sources,
		Targets:  targets,
		Results:  results,
		Notifier: notifier,
		Registry: resilience.NewRegistry(),
		Monitor:  monitorConfig(),
		Factory: func(cfg *connector.Config) (connector.Connector, error) {
			return &stubConnector{name: cfg.Source.Name, lastModified: time.Now()}, nil
		},
	})
	require.NoError(t, err)
	return s
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil)
	require.Error(t, err)

	_, err = NewScheduler(&SchedulerConfig{
		Sources: &fakeSourceRepo{},
		Targets: &fakeTargetRepo{},
		Results: &fakeResultRepo{},
		Monitor: monitorConfig(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry is required")
}

func TestRunOnce_RecordsResultsPerTarget(t *testing.T) {
	source := &types.DataSource{ID: uuid.New(), Name: "prod-pg", Kind: types.SourceKindPostgres, Enabled: true}
	target := &types.TableTarget{
		ID:              uuid.New(),
		SourceID:        source.ID,
		TableName:       "orders",
		TimestampColumn: "updated_at",
		MaxLag:          time.Hour,
		Enabled:         true,
	}

	results := &fakeResultRepo{}
	s := newTestScheduler(t,
		&fakeSourceRepo{enabled: []*types.DataSource{source}},
		&fakeTargetRepo{bySource: map[uuid.UUID][]*types.TableTarget{source.ID: {target}}},
		results,
		nil,
	)

	s.RunOnce(context.Background())

	// freshness only: no baseline store or snapshot repo is wired
	recorded := results.results()
	require.Len(t, recorded, 1)
	assert.Equal(t, types.CheckKindFreshness, recorded[0].Kind)
	assert.Equal(t, types.CheckStatusOK, recorded[0].Status)
	assert.Equal(t, target.ID, recorded[0].TargetID)
}

func TestRunOnce_SweepsAllSources(t *testing.T) {
	var sources []*types.DataSource
	targets := map[uuid.UUID][]*types.TableTarget{}
	for i := 0; i < 5; i++ {
		source := &types.DataSource{ID: uuid.New(), Name: "pg", Kind: types.SourceKindPostgres}
		sources = append(sources, source)
		targets[source.ID] = []*types.TableTarget{{
			ID:              uuid.New(),
			SourceID:        source.ID,
			TableName:       "orders",
			TimestampColumn: "updated_at",
			MaxLag:          time.Hour,
		}}
	}

	results := &fakeResultRepo{}
	s := newTestScheduler(t,
		&fakeSourceRepo{enabled: sources},
		&fakeTargetRepo{bySource: targets},
		results,
		nil,
	)

	s.RunOnce(context.Background())

	assert.Len(t, results.results(), 5)
}

func TestRunOnce_AlertingResultDispatchesNotification(t *testing.T) {
	source := &types.DataSource{ID: uuid.New(), Name: "prod-pg", Kind: types.SourceKindPostgres}
	target := &types.TableTarget{
		ID:              uuid.New(),
		SourceID:        source.ID,
		TableName:       "orders",
		TimestampColumn: "updated_at",
		MaxLag:          time.Minute,
	}

	channel := &recordingChannel{}
	notifier := notifications.NewService(zap.NewNop(), nil, &notifications.Config{}, channel)

	results := &fakeResultRepo{}
	s, err := NewScheduler(&SchedulerConfig{
		Sources:  &fakeSourceRepo{enabled: []*types.DataSource{source}},
		Targets:  &fakeTargetRepo{bySource: map[uuid.UUID][]*types.TableTarget{source.ID: {target}}},
		Results:  results,
		Notifier: notifier,
		Registry: resilience.NewRegistry(),
		Monitor:  monitorConfig(),
		Factory: func(cfg *connector.Config) (connector.Connector, error) {
			// two hours behind a one minute max lag
			return &stubConnector{name: cfg.Source.Name, lastModified: time.Now().Add(-2 * time.Hour)}, nil
		},
	})
	require.NoError(t, err)

	s.RunOnce(context.Background())

	require.Len(t, channel.alerts, 1)
	assert.Equal(t, types.CheckKindFreshness, channel.alerts[0].Kind)
	assert.Equal(t, types.CheckStatusAlerting, channel.alerts[0].Status)
}

func TestRunOnce_ListFailureIsSwallowed(t *testing.T) {
	results := &fakeResultRepo{}
	s := newTestScheduler(t,
		&fakeSourceRepo{err: errors.NewInternalError("db down")},
		&fakeTargetRepo{},
		results,
		nil,
	)

	s.RunOnce(context.Background())
	assert.Empty(t, results.results())
}

func TestStartStop(t *testing.T) {
	source := &types.DataSource{ID: uuid.New(), Name: "prod-pg", Kind: types.SourceKindPostgres}
	target := &types.TableTarget{
		ID:              uuid.New(),
		SourceID:        source.ID,
		TableName:       "orders",
		TimestampColumn: "updated_at",
		MaxLag:          time.Hour,
	}

	results := &fakeResultRepo{}
	s := newTestScheduler(t,
		&fakeSourceRepo{enabled: []*types.DataSource{source}},
		&fakeTargetRepo{bySource: map[uuid.UUID][]*types.TableTarget{source.ID: {target}}},
		results,
		nil,
	)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	// the initial sweep runs immediately
	assert.Eventually(t, func() bool {
		return len(results.results()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

type recordingChannel struct {
	mu     sync.Mutex
	alerts []*types.Alert
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Notify(ctx context.Context, alert *types.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}
