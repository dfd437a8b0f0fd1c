package monitor

import (
	"context"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tablewatch/tablewatch/internal/cache"
	"github.com/tablewatch/tablewatch/internal/checks"
	"github.com/tablewatch/tablewatch/internal/connector"
	"github.com/tablewatch/tablewatch/internal/database"
	"github.com/tablewatch/tablewatch/internal/notifications"
	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/tracing"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// ConnectorFactory builds a connector for a source. The scheduler uses
// connector.NewConnector unless a factory is injected.
type ConnectorFactory func(cfg *connector.Config) (connector.Connector, error)

// Scheduler drives the monitoring loop: on every tick it lists the enabled
// sources and runs the applicable checks against their targets, bounded by
// MaxConcurrentSources. Each source gets its own connector and resilience
// state, so one flapping database cannot starve the others.
type Scheduler struct {
	sources   database.SourceRepositoryInterface
	targets   database.TargetRepositoryInterface
	results   database.CheckResultRepositoryInterface
	snapshots database.SchemaSnapshotRepositoryInterface
	baselines *cache.BaselineCache
	notifier  *notifications.Service
	registry  *resilience.Registry
	metrics   *metrics.Metrics
	tracer    *tracing.TracingService
	logger    *logging.Logger
	config    *config.MonitorConfig
	factory   ConnectorFactory

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerConfig holds scheduler dependencies
type SchedulerConfig struct {
	Sources   database.SourceRepositoryInterface
	Targets   database.TargetRepositoryInterface
	Results   database.CheckResultRepositoryInterface
	Snapshots database.SchemaSnapshotRepositoryInterface
	Baselines *cache.BaselineCache
	Notifier  *notifications.Service
	Registry  *resilience.Registry
	Metrics   *metrics.Metrics
	Tracer    *tracing.TracingService
	Monitor   *config.MonitorConfig
	// Factory overrides connector construction, mainly for tests
	Factory ConnectorFactory
}

// NewScheduler creates a monitoring scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("scheduler configuration is required")
	}
	if cfg.Sources == nil || cfg.Targets == nil || cfg.Results == nil {
		return nil, errors.NewValidationError("scheduler repositories are required")
	}
	if cfg.Registry == nil {
		return nil, errors.NewValidationError("resilience registry is required")
	}
	if cfg.Monitor == nil {
		return nil, errors.NewValidationError("monitor configuration is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = connector.NewConnector
	}

	return &Scheduler{
		sources:   cfg.Sources,
		targets:   cfg.Targets,
		results:   cfg.Results,
		snapshots: cfg.Snapshots,
		baselines: cfg.Baselines,
		notifier:  cfg.Notifier,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    logging.GetLogger(),
		config:    cfg.Monitor,
		factory:   factory,
	}, nil
}

// Start launches the ticker loop. It returns immediately; use Stop to shut
// the loop down and wait for in-flight checks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.NewConflictError("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"interval", s.config.CheckInterval.String(),
		"max_concurrent_sources", s.config.MaxConcurrentSources,
	)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the ticker loop and waits for in-flight checks to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// First sweep runs immediately instead of waiting a full interval
	s.RunOnce(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every enabled source once and returns when all checks have
// finished
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	sources, err := s.sources.ListEnabled(ctx)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to list enabled sources", nil)
		return
	}
	if len(sources) == 0 {
		return
	}

	sem := make(chan struct{}, s.config.MaxConcurrentSources)
	var wg sync.WaitGroup

	for _, source := range sources {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(source *types.DataSource) {
			defer wg.Done()
			defer func() { <-sem }()
			s.checkSource(ctx, source)
		}(source)
	}

	wg.Wait()
	s.exportBreakerStates()

	s.logger.Info("sweep completed",
		"sources", len(sources),
		"duration", time.Since(start).String(),
	)
}

// checkSource runs all checks for one source's targets
func (s *Scheduler) checkSource(ctx context.Context, source *types.DataSource) {
	targets, err := s.targets.ListBySource(ctx, source.ID)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to list targets", map[string]interface{}{
			"source": source.Name,
		})
		return
	}
	if len(targets) == 0 {
		return
	}

	conn, err := s.factory(&connector.Config{
		Source:       source,
		QueryTimeout: s.config.QueryTimeout,
		Registry:     s.registry,
	})
	if err != nil {
		s.logger.LogError(ctx, err, "failed to build connector", map[string]interface{}{
			"source": source.Name,
		})
		return
	}
	defer conn.Close()

	runner, err := checks.NewRunner(&checks.RunnerConfig{
		Source:    source,
		Connector: conn,
		Baselines: s.baselineStore(),
		Snapshots: s.snapshots,
		Metrics:   s.metrics,
	})
	if err != nil {
		s.logger.LogError(ctx, err, "failed to build check runner", map[string]interface{}{
			"source": source.Name,
		})
		return
	}

	for _, target := range targets {
		s.checkTarget(ctx, runner, source, target)
	}
}

// checkTarget runs one target's checks under the per-check timeout and
// records the outcomes
func (s *Scheduler) checkTarget(ctx context.Context, runner *checks.Runner, source *types.DataSource, target *types.TableTarget) {
	if s.tracer != nil {
		var span oteltrace.Span
		ctx, span = s.tracer.StartCheckSpan(ctx, "all", source.Name, target.QualifiedName())
		defer span.End()
	}

	value, err := resilience.WithTimeout(ctx, "check-"+target.QualifiedName(), s.config.CheckTimeout,
		func(ctx context.Context) (interface{}, error) {
			return runner.Run(ctx, target), nil
		})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordOperationTimeout("check-" + target.QualifiedName())
		}
		s.logger.LogError(ctx, err, "check run timed out", map[string]interface{}{
			"source": source.Name,
			"table":  target.QualifiedName(),
		})
		return
	}

	for _, result := range value.([]*types.CheckResult) {
		s.recordResult(ctx, source, target, result)
	}
}

// recordResult persists a check result, caches it, and raises an alert when
// warranted
func (s *Scheduler) recordResult(ctx context.Context, source *types.DataSource, target *types.TableTarget, result *types.CheckResult) {
	if err := s.results.Create(ctx, result); err != nil {
		s.logger.LogError(ctx, err, "failed to persist check result", map[string]interface{}{
			"source": source.Name,
			"table":  target.QualifiedName(),
			"kind":   string(result.Kind),
		})
	}

	if s.baselines != nil {
		if err := s.baselines.SetLastResult(ctx, result); err != nil {
			s.logger.LogError(ctx, err, "failed to cache check result", map[string]interface{}{
				"target_id": target.ID.String(),
			})
		}
	}

	if s.notifier != nil {
		if alert := notifications.AlertFromResult(source, target, result); alert != nil {
			s.notifier.Dispatch(ctx, alert)
		}
	}
}

// exportBreakerStates publishes every registered breaker's state as a gauge
func (s *Scheduler) exportBreakerStates() {
	if s.metrics == nil {
		return
	}

	for _, name := range s.registry.CircuitBreakers.Names() {
		cb, ok := s.registry.CircuitBreakers.Get(name)
		if !ok {
			continue
		}
		s.metrics.UpdateCircuitBreakerState(name, int(cb.State()))
	}
}

func (s *Scheduler) baselineStore() checks.BaselineStore {
	if s.baselines == nil {
		return nil
	}
	return s.baselines
}
