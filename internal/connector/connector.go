package connector

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// Connector is the read-only query surface against one customer database.
// Implementations wrap every outbound call in the shared resilience stack, so
// a flapping customer database fails fast instead of stalling the scheduler.
type Connector interface {
	// Name returns the data source name the connector serves
	Name() string
	// Kind returns the database engine kind
	Kind() types.SourceKind
	// Ping verifies connectivity
	Ping(ctx context.Context) error
	// RowCount returns the current number of rows in the target table
	RowCount(ctx context.Context, target *types.TableTarget) (int64, error)
	// LastModified returns the maximum value of the target's timestamp column,
	// or nil when the table is empty
	LastModified(ctx context.Context, target *types.TableTarget) (*time.Time, error)
	// Columns returns the target table's column set in ordinal order
	Columns(ctx context.Context, target *types.TableTarget) ([]types.SchemaColumn, error)
	// Close releases the underlying connection pool
	Close() error
}

// Config holds connector construction parameters shared by all engines
type Config struct {
	Source *types.DataSource
	// QueryTimeout bounds a single query attempt
	QueryTimeout time.Duration
	// Registry provides the shared breaker and retry state; required so every
	// call site hitting the same source observes the same failures
	Registry *resilience.Registry
}

// NewConnector constructs the right connector for a source's kind
func NewConnector(cfg *Config) (Connector, error) {
	if cfg == nil || cfg.Source == nil {
		return nil, errors.NewValidationError("connector configuration is required")
	}

	switch cfg.Source.Kind {
	case types.SourceKindPostgres:
		return NewPostgresConnector(cfg)
	case types.SourceKindMySQL:
		return NewMySQLConnector(cfg)
	default:
		return nil, errors.NewValidationError("unsupported source kind: " + string(cfg.Source.Kind))
	}
}

// identifierPattern matches the identifiers we are willing to interpolate into
// SQL. Everything else is rejected before a query is built.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether a schema, table, or column name is safe to
// quote into a statement
func validIdentifier(name string) bool {
	return name != "" && len(name) <= 128 && identifierPattern.MatchString(name)
}

// validateTarget rejects targets whose identifiers cannot be safely quoted
func validateTarget(target *types.TableTarget) error {
	if target == nil {
		return errors.NewValidationError("table target is required")
	}
	if !validIdentifier(target.TableName) {
		return errors.NewQueryRejectedError("invalid table name").WithDetail("table", target.TableName)
	}
	if target.SchemaName != "" && !validIdentifier(target.SchemaName) {
		return errors.NewQueryRejectedError("invalid schema name").WithDetail("schema", target.SchemaName)
	}
	return nil
}

// validateTimestampColumn rejects targets whose timestamp column cannot be
// safely quoted
func validateTimestampColumn(target *types.TableTarget) error {
	if !validIdentifier(target.TimestampColumn) {
		return errors.NewQueryRejectedError("invalid timestamp column").WithDetail("column", target.TimestampColumn)
	}
	return nil
}

// readOnlyStatement reports whether a statement is a plain SELECT. The
// connectors only ever build SELECTs themselves; this is the final gate before
// anything reaches a customer database.
func readOnlyStatement(query string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	return strings.HasPrefix(trimmed, "select ")
}

// newResilientOperation builds the shared decorator stack for a source: the
// database retry preset around a breaker named after the source
func newResilientOperation(cfg *Config) (*resilience.ResilientOperation, error) {
	name := "db-" + cfg.Source.Name
	return resilience.NewResilientOperationFromRegistry(cfg.Registry, resilience.ResilientConfig{
		Name:           name,
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(name),
		Retry:          resilience.DatabaseRetryConfig(name),
	})
}

// sanitizeQueryError wraps a raw driver error before it leaves the connector
// boundary. Resilience errors pass through untouched so callers can classify
// them.
func sanitizeQueryError(sourceName string, err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsCircuitOpen(err) || resilience.IsRetryExhausted(err) ||
		resilience.IsOperationTimeout(err) || resilience.IsOperationCancelled(err) {
		return err
	}
	if _, ok := err.(*errors.AppError); ok {
		return err
	}
	return errors.NewSourceError(sourceName, "query failed").WithCause(err)
}
