package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// Pagination holds paging parameters for list queries
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// DefaultPagination returns sane paging defaults
func DefaultPagination() *Pagination {
	return &Pagination{Page: 1, PageSize: 50}
}

// SourceRepositoryInterface defines the interface for data source operations
type SourceRepositoryInterface interface {
	Create(ctx context.Context, source *types.DataSource) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.DataSource, error)
	GetByName(ctx context.Context, name string) (*types.DataSource, error)
	Update(ctx context.Context, source *types.DataSource) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListEnabled(ctx context.Context) ([]*types.DataSource, error)
	List(ctx context.Context, pagination *Pagination) ([]*types.DataSource, int64, error)
}

// SourceRepository handles data source database operations
type SourceRepository struct {
	db *DB
}

// NewSourceRepository creates a new data source repository
func NewSourceRepository(db *DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Create registers a new data source
func (r *SourceRepository) Create(ctx context.Context, source *types.DataSource) error {
	query := `
		INSERT INTO sources (id, name, kind, host, port, database_name, username, password, ssl_mode, enabled)
		VALUES (:id, :name, :kind, :host, :port, :database_name, :username, :password, :ssl_mode, :enabled)`

	if source.ID == uuid.Nil {
		source.ID = uuid.New()
	}
	source.CreatedAt = time.Now()
	source.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, source)
	if err != nil {
		return errors.NewInternalError("failed to create source").WithCause(err)
	}

	return nil
}

// GetByID retrieves a data source by ID
func (r *SourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.DataSource, error) {
	var source types.DataSource
	query := `SELECT * FROM sources WHERE id = $1`

	err := r.db.GetContext(ctx, &source, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("source")
		}
		return nil, errors.NewInternalError("failed to get source by ID").WithCause(err)
	}

	return &source, nil
}

// GetByName retrieves a data source by its unique name
func (r *SourceRepository) GetByName(ctx context.Context, name string) (*types.DataSource, error) {
	var source types.DataSource
	query := `SELECT * FROM sources WHERE name = $1`

	err := r.db.GetContext(ctx, &source, query, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("source")
		}
		return nil, errors.NewInternalError("failed to get source by name").WithCause(err)
	}

	return &source, nil
}

// Update updates a data source
func (r *SourceRepository) Update(ctx context.Context, source *types.DataSource) error {
	query := `
		UPDATE sources
		SET host = :host, port = :port, database_name = :database_name,
		    username = :username, password = :password, ssl_mode = :ssl_mode,
		    enabled = :enabled, updated_at = NOW()
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, source)
	if err != nil {
		return errors.NewInternalError("failed to update source").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}

	if rowsAffected == 0 {
		return errors.NewNotFoundError("source")
	}

	return nil
}

// Delete removes a data source and its targets
func (r *SourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM sources WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.NewInternalError("failed to delete source").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}

	if rowsAffected == 0 {
		return errors.NewNotFoundError("source")
	}

	return nil
}

// ListEnabled returns all enabled data sources, the scheduler's working set
func (r *SourceRepository) ListEnabled(ctx context.Context) ([]*types.DataSource, error) {
	var sources []*types.DataSource
	query := `SELECT * FROM sources WHERE enabled = true ORDER BY name`

	err := r.db.SelectContext(ctx, &sources, query)
	if err != nil {
		return nil, errors.NewInternalError("failed to list enabled sources").WithCause(err)
	}

	return sources, nil
}

// List retrieves a paginated list of data sources
func (r *SourceRepository) List(ctx context.Context, pagination *Pagination) ([]*types.DataSource, int64, error) {
	if pagination == nil {
		pagination = DefaultPagination()
	}

	var sources []*types.DataSource
	var total int64

	countQuery := `SELECT COUNT(*) FROM sources`
	err := r.db.GetContext(ctx, &total, countQuery)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to count sources").WithCause(err)
	}

	offset := (pagination.Page - 1) * pagination.PageSize
	query := `SELECT * FROM sources ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	err = r.db.SelectContext(ctx, &sources, query, pagination.PageSize, offset)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to list sources").WithCause(err)
	}

	return sources, total, nil
}

// TargetRepositoryInterface defines the interface for table target operations
type TargetRepositoryInterface interface {
	Create(ctx context.Context, target *types.TableTarget) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.TableTarget, error)
	Update(ctx context.Context, target *types.TableTarget) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListBySource(ctx context.Context, sourceID uuid.UUID) ([]*types.TableTarget, error)
}

// TargetRepository handles table target database operations
type TargetRepository struct {
	db *DB
}

// NewTargetRepository creates a new table target repository
func NewTargetRepository(db *DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// Create registers a new table target
func (r *TargetRepository) Create(ctx context.Context, target *types.TableTarget) error {
	query := `
		INSERT INTO targets (id, source_id, schema_name, table_name, timestamp_column,
		                     max_lag, volume_tolerance, enabled)
		VALUES (:id, :source_id, :schema_name, :table_name, :timestamp_column,
		        :max_lag, :volume_tolerance, :enabled)`

	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	target.CreatedAt = time.Now()
	target.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, target)
	if err != nil {
		return errors.NewInternalError("failed to create target").WithCause(err)
	}

	return nil
}

// GetByID retrieves a table target by ID
func (r *TargetRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.TableTarget, error) {
	var target types.TableTarget
	query := `SELECT * FROM targets WHERE id = $1`

	err := r.db.GetContext(ctx, &target, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("target")
		}
		return nil, errors.NewInternalError("failed to get target by ID").WithCause(err)
	}

	return &target, nil
}

// Update updates a table target
func (r *TargetRepository) Update(ctx context.Context, target *types.TableTarget) error {
	query := `
		UPDATE targets
		SET timestamp_column = :timestamp_column, max_lag = :max_lag,
		    volume_tolerance = :volume_tolerance, enabled = :enabled, updated_at = NOW()
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, target)
	if err != nil {
		return errors.NewInternalError("failed to update target").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}

	if rowsAffected == 0 {
		return errors.NewNotFoundError("target")
	}

	return nil
}

// Delete removes a table target
func (r *TargetRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM targets WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.NewInternalError("failed to delete target").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}

	if rowsAffected == 0 {
		return errors.NewNotFoundError("target")
	}

	return nil
}

// ListBySource returns the enabled targets of a data source
func (r *TargetRepository) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]*types.TableTarget, error) {
	var targets []*types.TableTarget
	query := `SELECT * FROM targets WHERE source_id = $1 AND enabled = true ORDER BY schema_name, table_name`

	err := r.db.SelectContext(ctx, &targets, query, sourceID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list targets").WithCause(err)
	}

	return targets, nil
}

// CheckResultRepositoryInterface defines the interface for check result operations
type CheckResultRepositoryInterface interface {
	Create(ctx context.Context, result *types.CheckResult) error
	GetLatestByTarget(ctx context.Context, targetID uuid.UUID) ([]*types.CheckResult, error)
	ListBySource(ctx context.Context, sourceID uuid.UUID, pagination *Pagination) ([]*types.CheckResult, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckResultRepository handles check result database operations
type CheckResultRepository struct {
	db *DB
}

// NewCheckResultRepository creates a new check result repository
func NewCheckResultRepository(db *DB) *CheckResultRepository {
	return &CheckResultRepository{db: db}
}

// Create records a check result
func (r *CheckResultRepository) Create(ctx context.Context, result *types.CheckResult) error {
	query := `
		INSERT INTO check_results (id, target_id, source_id, kind, status, message,
		                           observed_value, baseline_value, duration, attempts, started_at)
		VALUES (:id, :target_id, :source_id, :kind, :status, :message,
		        :observed_value, :baseline_value, :duration, :attempts, :started_at)`

	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	result.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, result)
	if err != nil {
		return errors.NewInternalError("failed to create check result").WithCause(err)
	}

	return nil
}

// GetLatestByTarget returns the most recent result per check kind for a target
func (r *CheckResultRepository) GetLatestByTarget(ctx context.Context, targetID uuid.UUID) ([]*types.CheckResult, error) {
	var results []*types.CheckResult
	query := `
		SELECT DISTINCT ON (kind) *
		FROM check_results
		WHERE target_id = $1
		ORDER BY kind, created_at DESC`

	err := r.db.SelectContext(ctx, &results, query, targetID)
	if err != nil {
		return nil, errors.NewInternalError("failed to get latest check results").WithCause(err)
	}

	return results, nil
}

// ListBySource retrieves a paginated list of check results for a source
func (r *CheckResultRepository) ListBySource(ctx context.Context, sourceID uuid.UUID, pagination *Pagination) ([]*types.CheckResult, int64, error) {
	if pagination == nil {
		pagination = DefaultPagination()
	}

	var results []*types.CheckResult
	var total int64

	countQuery := `SELECT COUNT(*) FROM check_results WHERE source_id = $1`
	err := r.db.GetContext(ctx, &total, countQuery, sourceID)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to count check results").WithCause(err)
	}

	offset := (pagination.Page - 1) * pagination.PageSize
	query := `SELECT * FROM check_results WHERE source_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	err = r.db.SelectContext(ctx, &results, query, sourceID, pagination.PageSize, offset)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to list check results").WithCause(err)
	}

	return results, total, nil
}

// DeleteOlderThan prunes historical check results past the retention cutoff
func (r *CheckResultRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM check_results WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.NewInternalError("failed to prune check results").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternalError("failed to get rows affected").WithCause(err)
	}

	return rowsAffected, nil
}

// schemaSnapshotRow is the storage shape of a schema snapshot; columns are
// serialized to JSON
type schemaSnapshotRow struct {
	ID        uuid.UUID `db:"id"`
	TargetID  uuid.UUID `db:"target_id"`
	Columns   []byte    `db:"columns"`
	CreatedAt time.Time `db:"created_at"`
}

// SchemaSnapshotRepositoryInterface defines the interface for schema snapshot operations
type SchemaSnapshotRepositoryInterface interface {
	Create(ctx context.Context, snapshot *types.SchemaSnapshot) error
	GetLatest(ctx context.Context, targetID uuid.UUID) (*types.SchemaSnapshot, error)
}

// SchemaSnapshotRepository handles schema snapshot database operations
type SchemaSnapshotRepository struct {
	db *DB
}

// NewSchemaSnapshotRepository creates a new schema snapshot repository
func NewSchemaSnapshotRepository(db *DB) *SchemaSnapshotRepository {
	return &SchemaSnapshotRepository{db: db}
}

// Create records a new schema snapshot
func (r *SchemaSnapshotRepository) Create(ctx context.Context, snapshot *types.SchemaSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	snapshot.CreatedAt = time.Now()

	columns, err := json.Marshal(snapshot.Columns)
	if err != nil {
		return errors.NewInternalError("failed to serialize schema columns").WithCause(err)
	}

	query := `INSERT INTO schema_snapshots (id, target_id, columns, created_at) VALUES ($1, $2, $3, $4)`
	_, err = r.db.ExecContext(ctx, query, snapshot.ID, snapshot.TargetID, columns, snapshot.CreatedAt)
	if err != nil {
		return errors.NewInternalError("failed to create schema snapshot").WithCause(err)
	}

	return nil
}

// GetLatest returns the most recent schema snapshot for a target
func (r *SchemaSnapshotRepository) GetLatest(ctx context.Context, targetID uuid.UUID) (*types.SchemaSnapshot, error) {
	var row schemaSnapshotRow
	query := `SELECT * FROM schema_snapshots WHERE target_id = $1 ORDER BY created_at DESC LIMIT 1`

	err := r.db.GetContext(ctx, &row, query, targetID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("schema snapshot")
		}
		return nil, errors.NewInternalError("failed to get schema snapshot").WithCause(err)
	}

	snapshot := &types.SchemaSnapshot{
		ID:        row.ID,
		TargetID:  row.TargetID,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.Columns, &snapshot.Columns); err != nil {
		return nil, errors.NewInternalError("failed to deserialize schema columns").WithCause(err)
	}

	return snapshot, nil
}
