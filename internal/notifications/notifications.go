package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tablewatch/tablewatch/pkg/metrics"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// Notifier delivers one alert to one destination
type Notifier interface {
	// Name identifies the channel in logs and metrics
	Name() string
	// Notify delivers the alert; implementations handle their own retries
	Notify(ctx context.Context, alert *types.Alert) error
}

// Service fans alerts out to the configured channels. Repeated alerts for the
// same table and check kind are suppressed for the cooldown period so a table
// that stays stale pages once, not every tick.
type Service struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	channels []Notifier
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Config holds notification service configuration
type Config struct {
	// Cooldown suppresses repeat alerts per target and kind; zero disables
	// suppression
	Cooldown time.Duration
}

// DefaultConfig returns default notification configuration
func DefaultConfig() *Config {
	return &Config{
		Cooldown: 30 * time.Minute,
	}
}

// NewService creates a notification service
func NewService(logger *zap.Logger, m *metrics.Metrics, config *Config, channels ...Notifier) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		logger:   logger,
		metrics:  m,
		channels: channels,
		cooldown: config.Cooldown,
		lastSent: make(map[string]time.Time),
	}
}

// AddChannel registers an additional delivery channel
func (s *Service) AddChannel(channel Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channel)
}

// Dispatch delivers the alert to every channel, skipping alerts still inside
// their cooldown window. Channel failures are logged and do not stop delivery
// to the remaining channels.
func (s *Service) Dispatch(ctx context.Context, alert *types.Alert) {
	if alert == nil {
		return
	}

	if !s.shouldSend(alert) {
		s.logger.Debug("alert suppressed by cooldown",
			zap.String("source", alert.SourceName),
			zap.String("table", alert.TableName),
			zap.String("kind", string(alert.Kind)),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAlert(string(alert.Kind), alert.SourceName)
	}

	s.mu.Lock()
	channels := make([]Notifier, len(s.channels))
	copy(channels, s.channels)
	s.mu.Unlock()

	for _, channel := range channels {
		if err := channel.Notify(ctx, alert); err != nil {
			s.logger.Error("failed to deliver alert",
				zap.String("channel", channel.Name()),
				zap.String("source", alert.SourceName),
				zap.String("table", alert.TableName),
				zap.Error(err),
			)
			continue
		}

		s.logger.Info("alert delivered",
			zap.String("channel", channel.Name()),
			zap.String("source", alert.SourceName),
			zap.String("table", alert.TableName),
			zap.String("kind", string(alert.Kind)),
		)
	}
}

// shouldSend records the alert and reports whether it is outside the cooldown
// window for its table and kind
func (s *Service) shouldSend(alert *types.Alert) bool {
	if s.cooldown <= 0 {
		return true
	}

	key := alert.SourceName + "/" + alert.TableName + "/" + string(alert.Kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastSent[key] = now
	return true
}

// AlertFromResult builds an alert from a non-ok check result, or nil when the
// result does not warrant one
func AlertFromResult(source *types.DataSource, target *types.TableTarget, result *types.CheckResult) *types.Alert {
	if result == nil || result.Status == types.CheckStatusOK || result.Status == types.CheckStatusSkipped {
		return nil
	}

	return &types.Alert{
		ID:         result.ID,
		SourceName: source.Name,
		TableName:  target.QualifiedName(),
		Kind:       result.Kind,
		Status:     result.Status,
		Message:    result.Message,
		CreatedAt:  time.Now(),
	}
}
