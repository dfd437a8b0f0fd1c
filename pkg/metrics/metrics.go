package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Check metrics
	ChecksTotal   *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
	CheckLag      *prometheus.GaugeVec
	AlertsTotal   *prometheus.CounterVec

	// Connector metrics
	ConnectorQueries       *prometheus.CounterVec
	ConnectorQueryDuration *prometheus.HistogramVec

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	OperationTimeouts   *prometheus.CounterVec

	// System metrics
	DatabaseConnections    *prometheus.GaugeVec
	RedisConnections       *prometheus.GaugeVec
	DatabaseQueryDuration  *prometheus.HistogramVec
	CacheOperationDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "tablewatch",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "checks_total",
				Help:      "Total number of monitoring checks run",
			},
			[]string{"kind", "status", "source"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "check_duration_seconds",
				Help:      "Check duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"kind", "source"},
		),
		CheckLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "table_freshness_lag_seconds",
				Help:      "Observed freshness lag per monitored table",
			},
			[]string{"source", "table"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_total",
				Help:      "Total number of alerts raised",
			},
			[]string{"kind", "source"},
		),

		ConnectorQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "connector_queries_total",
				Help:      "Total number of queries issued against customer databases",
			},
			[]string{"connector", "status"},
		),
		ConnectorQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "connector_query_duration_seconds",
				Help:      "Customer database query duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"connector"},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"policy", "outcome"},
		),
		OperationTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "operation_timeouts_total",
				Help:      "Total number of operations that hit their deadline",
			},
			[]string{"name"},
		),

		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Number of metadata database connections",
			},
			[]string{"state"},
		),
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_query_duration_seconds",
				Help:      "Metadata database query duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		CacheOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "cache_operation_duration_seconds",
				Help:      "Cache operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "cache_type"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ChecksTotal,
		m.CheckDuration,
		m.CheckLag,
		m.AlertsTotal,
		m.ConnectorQueries,
		m.ConnectorQueryDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RetryAttempts,
		m.OperationTimeouts,
		m.DatabaseConnections,
		m.RedisConnections,
		m.DatabaseQueryDuration,
		m.CacheOperationDuration,
		m.ErrorsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordCheck records the outcome of one monitoring check
func (m *Metrics) RecordCheck(kind, status, source string, duration time.Duration) {
	if m.ChecksTotal == nil {
		return
	}

	m.ChecksTotal.WithLabelValues(kind, status, source).Inc()
	m.CheckDuration.WithLabelValues(kind, source).Observe(duration.Seconds())
}

// UpdateFreshnessLag updates the observed lag gauge for a table
func (m *Metrics) UpdateFreshnessLag(source, table string, lag time.Duration) {
	if m.CheckLag == nil {
		return
	}

	m.CheckLag.WithLabelValues(source, table).Set(lag.Seconds())
}

// RecordAlert records a raised alert
func (m *Metrics) RecordAlert(kind, source string) {
	if m.AlertsTotal == nil {
		return
	}

	m.AlertsTotal.WithLabelValues(kind, source).Inc()
}

// RecordConnectorQuery records a query against a customer database
func (m *Metrics) RecordConnectorQuery(connector, status string, duration time.Duration) {
	if m.ConnectorQueries == nil {
		return
	}

	m.ConnectorQueries.WithLabelValues(connector, status).Inc()
	m.ConnectorQueryDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// UpdateCircuitBreakerState updates the state gauge for a named breaker
func (m *Metrics) UpdateCircuitBreakerState(name string, state int) {
	if m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	if m.CircuitBreakerTrips == nil {
		return
	}

	m.CircuitBreakerTrips.WithLabelValues(name).Inc()
}

// RecordRetryAttempt records one retry attempt and its outcome
func (m *Metrics) RecordRetryAttempt(policy, outcome string) {
	if m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(policy, outcome).Inc()
}

// RecordOperationTimeout records an operation that hit its deadline
func (m *Metrics) RecordOperationTimeout(name string) {
	if m.OperationTimeouts == nil {
		return
	}

	m.OperationTimeouts.WithLabelValues(name).Inc()
}

// UpdateDatabaseConnections updates metadata database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordDatabaseQuery records metadata database query metrics
func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration) {
	if m.DatabaseQueryDuration == nil {
		return
	}

	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheOperation records cache operation metrics
func (m *Metrics) RecordCacheOperation(operation, cacheType string, duration time.Duration) {
	if m.CacheOperationDuration == nil {
		return
	}

	m.CacheOperationDuration.WithLabelValues(operation, cacheType).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
