package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jmoiron/sqlx"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/logging"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// MySQLConnector queries a customer MySQL database
type MySQLConnector struct {
	source       *types.DataSource
	db           *sqlx.DB
	resilient    *resilience.ResilientOperation
	queryTimeout time.Duration
	logger       *logging.Logger
}

// NewMySQLConnector opens a connection pool against a MySQL source
func NewMySQLConnector(cfg *Config) (*MySQLConnector, error) {
	if cfg == nil || cfg.Source == nil {
		return nil, errors.NewValidationError("connector configuration is required")
	}
	if cfg.Source.Kind != types.SourceKindMySQL {
		return nil, errors.NewValidationError("source is not a mysql database")
	}
	if cfg.Registry == nil {
		return nil, errors.NewValidationError("resilience registry is required")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=10s",
		cfg.Source.User, cfg.Source.Password, cfg.Source.Host, cfg.Source.Port,
		cfg.Source.Database,
	)

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, errors.NewConnectorError(cfg.Source.Name, "failed to open connection").WithCause(err)
	}

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

	return &MySQLConnector{
		source:       cfg.Source,
		db:           db,
		resilient:    resilient,
		queryTimeout: queryTimeout,
		logger:       logging.GetLogger(),
	}, nil
}

// Name returns the data source name
func (c *MySQLConnector) Name() string {
	return c.source.Name
}

// Kind returns the database engine kind
func (c *MySQLConnector) Kind() types.SourceKind {
	return types.SourceKindMySQL
}

// Ping verifies connectivity through the resilience stack
func (c *MySQLConnector) Ping(ctx context.Context) error {
	err := c.resilient.ExecuteVoid(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
		return c.db.PingContext(ctx)
	})
	return sanitizeQueryError(c.source.Name, err)
}

// RowCount returns the current number of rows in the target table
func (c *MySQLConnector) RowCount(ctx context.Context, target *types.TableTarget) (int64, error) {
	if err := validateTarget(target); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.quoteTarget(target))
	if !readOnlyStatement(query) {
		return 0, errors.NewQueryRejectedError("only SELECT statements are permitted")
	}

	result, err := c.execute(ctx, func(ctx context.Context) (interface{}, error) {
		var value int64
		if err := c.db.GetContext(ctx, &value, query); err != nil {
			return nil, err
		}
		return value, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// LastModified returns the maximum value of the target's timestamp column
func (c *MySQLConnector) LastModified(ctx context.Context, target *types.TableTarget) (*time.Time, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if err := validateTimestampColumn(target); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, quoteIdentMySQL(target.TimestampColumn), c.quoteTarget(target))

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
func (c *MySQLConnector) Columns(ctx context.Context, target *types.TableTarget) ([]types.SchemaColumn, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	// MySQL treats schema and database as the same thing; an explicit schema
	// on the target overrides the connection's database
	schema := target.SchemaName
	query := `
		SELECT column_name, data_type, is_nullable = 'YES' AS is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
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
func (c *MySQLConnector) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// execute runs an operation through breaker, retry, and per-attempt timeout
func (c *MySQLConnector) execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
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
func (c *MySQLConnector) quoteTarget(target *types.TableTarget) string {
	if target.SchemaName != "" {
		return quoteIdentMySQL(target.SchemaName) + "." + quoteIdentMySQL(target.TableName)
	}
	return quoteIdentMySQL(target.TableName)
}

// quoteIdentMySQL backtick-quotes an already validated identifier
func quoteIdentMySQL(name string) string {
	return "`" + name + "`"
}
