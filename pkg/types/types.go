package types

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies the database engine behind a data source
type SourceKind string

const (
	SourceKindPostgres SourceKind = "postgres"
	SourceKindMySQL    SourceKind = "mysql"
)

// DataSource represents a customer database registered for monitoring
type DataSource struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Kind      SourceKind `json:"kind" db:"kind"`
	Host      string     `json:"host" db:"host"`
	Port      int        `json:"port" db:"port"`
	Database  string     `json:"database" db:"database_name"`
	User      string     `json:"user" db:"username"`
	Password  string     `json:"-" db:"password"`
	SSLMode   string     `json:"ssl_mode" db:"ssl_mode"`
	Enabled   bool       `json:"enabled" db:"enabled"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// TableTarget represents one monitored table within a data source
type TableTarget struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	SourceID   uuid.UUID     `json:"source_id" db:"source_id"`
	SchemaName string        `json:"schema_name" db:"schema_name"`
	TableName  string        `json:"table_name" db:"table_name"`
	// TimestampColumn is the column freshness checks read the latest row time
	// from; empty disables freshness for this target
	TimestampColumn string        `json:"timestamp_column" db:"timestamp_column"`
	MaxLag          time.Duration `json:"max_lag" db:"max_lag"`
	// VolumeTolerance is the allowed fractional deviation from the row-count
	// baseline before a volume check fails (0.25 = ±25%)
	VolumeTolerance float64   `json:"volume_tolerance" db:"volume_tolerance"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// QualifiedName returns the schema-qualified table name
func (t *TableTarget) QualifiedName() string {
	if t.SchemaName == "" {
		return t.TableName
	}
	return t.SchemaName + "." + t.TableName
}

// CheckKind identifies the type of monitoring check
type CheckKind string

const (
	CheckKindFreshness CheckKind = "freshness"
	CheckKindVolume    CheckKind = "volume"
	CheckKindSchema    CheckKind = "schema"
)

// CheckStatus is the outcome classification of a single check run
type CheckStatus string

const (
	// CheckStatusOK means the check ran and the table is healthy
	CheckStatusOK CheckStatus = "ok"
	// CheckStatusAlerting means the check ran and found a problem with the data
	CheckStatusAlerting CheckStatus = "alerting"
	// CheckStatusError means the check itself could not complete
	CheckStatusError CheckStatus = "error"
	// CheckStatusSkipped means the check was rejected fast, typically by an
	// open circuit breaker
	CheckStatusSkipped CheckStatus = "skipped"
)

// CheckResult records one check run against one table target. Failure payloads
// are sanitized before they get here: raw driver errors never leave the
// connector boundary.
type CheckResult struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	TargetID   uuid.UUID   `json:"target_id" db:"target_id"`
	SourceID   uuid.UUID   `json:"source_id" db:"source_id"`
	Kind       CheckKind   `json:"kind" db:"kind"`
	Status     CheckStatus `json:"status" db:"status"`
	Message    string      `json:"message,omitempty" db:"message"`
	// ObservedValue holds the measured quantity: lag seconds for freshness,
	// row count for volume, changed-column count for schema
	ObservedValue float64       `json:"observed_value" db:"observed_value"`
	BaselineValue float64       `json:"baseline_value" db:"baseline_value"`
	Duration      time.Duration `json:"duration" db:"duration"`
	Attempts      int           `json:"attempts" db:"attempts"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// SchemaColumn describes one column in a table schema snapshot
type SchemaColumn struct {
	Name     string `json:"name" db:"column_name"`
	DataType string `json:"data_type" db:"data_type"`
	Nullable bool   `json:"nullable" db:"is_nullable"`
	Position int    `json:"position" db:"ordinal_position"`
}

// SchemaSnapshot is the recorded column set of a table, used as the reference
// for drift detection
type SchemaSnapshot struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	TargetID  uuid.UUID      `json:"target_id" db:"target_id"`
	Columns   []SchemaColumn `json:"columns" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// TableSnapshot is a point-in-time observation of a monitored table
type TableSnapshot struct {
	TargetID     uuid.UUID      `json:"target_id"`
	RowCount     int64          `json:"row_count"`
	LastModified *time.Time     `json:"last_modified,omitempty"`
	Columns      []SchemaColumn `json:"columns,omitempty"`
	ObservedAt   time.Time      `json:"observed_at"`
}

// VolumeBaseline is the rolling row-count expectation for a target, cached in
// Redis and refreshed after each successful volume check
type VolumeBaseline struct {
	TargetID     uuid.UUID `json:"target_id"`
	RowCount     int64     `json:"row_count"`
	SampleCount  int       `json:"sample_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Alert is a notification-worthy event produced by the scheduler
type Alert struct {
	ID         uuid.UUID   `json:"id"`
	SourceName string      `json:"source_name"`
	TableName  string      `json:"table_name"`
	Kind       CheckKind   `json:"kind"`
	Status     CheckStatus `json:"status"`
	Message    string      `json:"message"`
	CreatedAt  time.Time   `json:"created_at"`
}
