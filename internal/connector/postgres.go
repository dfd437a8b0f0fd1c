package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// PostgresConnector queries a customer PostgreSQL database
type PostgresConnector struct {
	source       *types.DataSource
	db           *sqlx.DB
	resilient    *resilience.ResilientOperation
	queryTimeout time.Duration
	logger       *logging.Logger
}

// NewPostgresConnector opens a connection pool against a PostgreSQL source
func NewPostgresConnector(cfg *Config) (*PostgresConnector, error) {
	if cfg == nil || cfg.Source == nil {
		return nil, errors.NewValidationError("connector configuration is required")
	}
	if cfg.Source.Kind != types.SourceKindPostgres {
		return nil, errors.NewValidationError("source is not a postgres database")
	}
	if cfg.Registry == nil {
		return nil, errors.NewValidationError("resilience registry is required")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Source.Host, cfg.Source.Port, cfg.Source.User, cfg.Source.Password,
		cfg.Source.Database, cfg.Source.SSLMode,
	)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.NewConnectorError(cfg.Source.Name, "failed to open connection").WithCause(err)
	}

	// Monitoring queries are few and long-lived pools are per source
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	resilient, err := newResilientOperation(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	return &PostgresConnector{
		source:       cfg.Source,
		db:           db,
		resilient:    resilient,
		queryTimeout: queryTimeout,
		logger:       logging.GetLogger(),
	}, nil
}

// Name returns the data source name
func (c *PostgresConnector) Name() string {
	return c.source.Name
}

// Kind returns the database engine kind
func (c *PostgresConnector) Kind() types.SourceKind {
	return types.SourceKindPostgres
}

// Ping verifies connectivity through the resilience stack
func (c *PostgresConnector) Ping(ctx context.Context) error {
	err := c.resilient.ExecuteVoid(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
		return c.db.PingContext(ctx)
	})
	return sanitizeQueryError(c.source.Name, err)
}

// RowCount returns the current number of rows in the target table
func (c *PostgresConnector) RowCount(ctx context.Context, target *types.TableTarget) (int64, error) {
	if err := validateTarget(target); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.quoteTarget(target))
	value, err := c.queryScalar(ctx, query)
	if err != nil {
		return 0, err
	}

	count, ok := value.(int64)
	if !ok {
		return 0, errors.NewConnectorError(c.source.Name, "unexpected row count type")
	}
	return count, nil
}

// LastModified returns the maximum value of the target's timestamp column
func (c *PostgresConnector) LastModified(ctx context.Context, target *types.TableTarget) (*time.Time, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if err := validateTimestampColumn(target); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, quoteIdent(target.TimestampColumn), c.quoteTarget(target))

	result, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		var ts sql.NullTime
		if err := c.db.GetContext(ctx, &ts, query); err != nil {
			return nil, err
		}
		if !ts.Valid {
			return nil, nil
		}
		t := ts.Time
		return &t, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*time.Time), nil
}

// Columns returns the target table's column set from information_schema
func (c *PostgresConnector) Columns(ctx context.Context, target *types.TableTarget) ([]types.SchemaColumn, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	schema := target.SchemaName
	if schema == "" {
		schema = "public"
	}

	query := `
		SELECT column_name, data_type, is_nullable = 'YES' AS is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	result, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		var columns []types.SchemaColumn
		if err := c.db.SelectContext(ctx, &columns, query, schema, target.TableName); err != nil {
			return nil, err
		}
		return columns, nil
	})
	if err != nil {
		return nil, err
	}

	columns := result.([]types.SchemaColumn)
	if len(columns) == 0 {
		return nil, errors.NewNotFoundError("table")
	}
	return columns, nil
}

// Close releases the underlying connection pool
func (c *PostgresConnector) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// queryScalar runs a single-value read-only query through the resilience stack
func (c *PostgresConnector) queryScalar(ctx context.Context, query string) (interface{}, error) {
	if !readOnlyStatement(query) {
		return nil, errors.NewQueryRejectedError("only SELECT statements are permitted")
	}

	return c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		var value int64
		if err := c.db.GetContext(ctx, &value, query); err != nil {
			return nil, err
		}
		return value, nil
	})
}

// execute runs an operation through breaker, retry, and per-attempt timeout
func (c *PostgresConnector) execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()
	value, err := c.resilient.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
		return op(ctx)
	})
	if err != nil {
		c.logger.LogConnectorEvent(ctx, "query_failed", c.source.Name, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, sanitizeQueryError(c.source.Name, err)
	}
	return value, nil
}

// quoteTarget returns the schema-qualified, quoted table reference
func (c *PostgresConnector) quoteTarget(target *types.TableTarget) string {
	if target.SchemaName != "" {
		return quoteIdent(target.SchemaName) + "." + quoteIdent(target.TableName)
	}
	return quoteIdent(target.TableName)
}

// quoteIdent double-quotes an already validated identifier
func quoteIdent(name string) string {
	return `"` + name + `"`
}
